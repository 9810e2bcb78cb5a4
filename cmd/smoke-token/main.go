// smoke-token exercises a running identity API end to end: it registers an
// account, exchanges a password grant, rotates the password and verifies the
// old credential stops working.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

func main() {
	base := os.Getenv("IFMIS_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	base = strings.TrimRight(base, "/")

	client := &http.Client{Timeout: 10 * time.Second}
	suffix := fmt.Sprintf("%06d", rand.New(rand.NewSource(time.Now().UnixNano())).Intn(1_000_000))
	username := "smoke-" + suffix
	password := "smoke-password-" + suffix

	register := map[string]any{
		"username": username,
		"email":    username + "@smoke.example.org",
		"password": password,
		"organization": map[string]any{
			"name":          "Smoke Org " + suffix,
			"database_name": "smoke_db_" + suffix,
		},
	}
	body, _ := json.Marshal(register)
	resp, err := client.Post(base+"/api/account/register", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("register: %v", err)
	}
	drain(resp)
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("register: status %d", resp.StatusCode)
	}

	tok := exchange(client, base, username, password, http.StatusOK)
	if tok.TokenType != "Bearer" || tok.AccessToken == "" || tok.IDToken == "" {
		log.Fatalf("unexpected token response: %+v", tok)
	}

	newPassword := password + "-rotated"
	change, _ := json.Marshal(map[string]string{
		"current_password": password,
		"new_password":     newPassword,
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/api/users/update", bytes.NewReader(change))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err = client.Do(req)
	if err != nil {
		log.Fatalf("change password: %v", err)
	}
	drain(resp)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("change password: status %d", resp.StatusCode)
	}

	// The old credential must stop working and the new one must work.
	exchange(client, base, username, password, http.StatusUnauthorized)
	exchange(client, base, username, newPassword, http.StatusOK)

	fmt.Printf("✅ identity smoke test passed: user=%s\n", username)
}

func exchange(client *http.Client, base, username, password string, wantStatus int) tokenResponse {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)

	resp, err := client.Post(base+"/connect/token", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		log.Fatalf("token exchange: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("token exchange: status %d, want %d", resp.StatusCode, wantStatus)
	}

	var tok tokenResponse
	if wantStatus == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			log.Fatalf("decode token response: %v", err)
		}
	}
	return tok
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
