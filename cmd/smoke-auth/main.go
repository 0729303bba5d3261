package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	PrincipalID  string `json:"principal_id"`
}

func main() {
	base := os.Getenv("SSO_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	email := os.Getenv("SSO_BOOTSTRAP_EMAIL")
	password := os.Getenv("SSO_BOOTSTRAP_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("SSO_BOOTSTRAP_EMAIL and SSO_BOOTSTRAP_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 5 * time.Second}

	var first tokens
	if code := call(ctx, client, base+"/v1/auth/login", map[string]string{"identity": email, "password": password}, &first); code != http.StatusOK {
		log.Fatalf("login: status %d", code)
	}

	var verified map[string]any
	if code := call(ctx, client, base+"/v1/auth/verify", map[string]string{"access_token": first.AccessToken}, &verified); code != http.StatusOK {
		log.Fatalf("verify: status %d", code)
	}
	if verified["sub"] != first.PrincipalID {
		log.Fatalf("verify: subject %v, want %s", verified["sub"], first.PrincipalID)
	}

	var second tokens
	if code := call(ctx, client, base+"/v1/auth/refresh", map[string]string{"refresh_token": first.RefreshToken}, &second); code != http.StatusOK {
		log.Fatalf("refresh: status %d", code)
	}

	// Replaying the rotated token must burn the whole lineage.
	if code := call(ctx, client, base+"/v1/auth/refresh", map[string]string{"refresh_token": first.RefreshToken}, nil); code != http.StatusUnauthorized {
		log.Fatalf("replay: status %d, want 401", code)
	}
	if code := call(ctx, client, base+"/v1/auth/refresh", map[string]string{"refresh_token": second.RefreshToken}, nil); code != http.StatusUnauthorized {
		log.Fatalf("tip after replay: status %d, want 401", code)
	}

	fmt.Printf("✅ auth smoke test passed: principal=%s\n", first.PrincipalID)
}

func call(ctx context.Context, client *http.Client, url string, body, out any) int {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}
