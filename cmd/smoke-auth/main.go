package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// smoke-auth drives login, profile, refresh and logout against a running API.
func main() {
	base := os.Getenv("FERTYFLOW_API_URL")
	if base == "" {
		base = "http://localhost:5000"
	}
	username := os.Getenv("SMOKE_USERNAME")
	password := os.Getenv("SMOKE_PASSWORD")
	if username == "" || password == "" {
		log.Fatal("SMOKE_USERNAME and SMOKE_PASSWORD are required")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar, Timeout: 5 * time.Second}

	var login struct {
		Success     bool   `json:"success"`
		AccessToken string `json:"accessToken"`
		User        struct {
			UserID string   `json:"userId"`
			Roles  []string `json:"roles"`
		} `json:"user"`
	}
	mustCall(client, http.MethodPost, base+"/api/auth/login", "", map[string]string{
		"username": username, "password": password,
	}, http.StatusOK, &login)
	if !login.Success || login.AccessToken == "" {
		log.Fatalf("login returned no access token")
	}

	var profile struct {
		User struct {
			UserID string `json:"userId"`
		} `json:"user"`
	}
	mustCall(client, http.MethodGet, base+"/api/auth/profile", login.AccessToken, nil, http.StatusOK, &profile)
	if profile.User.UserID != login.User.UserID {
		log.Fatalf("profile user %q does not match login user %q", profile.User.UserID, login.User.UserID)
	}

	var refreshed struct {
		AccessToken string `json:"accessToken"`
	}
	mustCall(client, http.MethodPost, base+"/api/auth/refresh-token", "", nil, http.StatusOK, &refreshed)
	if refreshed.AccessToken == "" {
		log.Fatalf("refresh returned no access token")
	}

	mustCall(client, http.MethodPost, base+"/api/auth/logout", refreshed.AccessToken, nil, http.StatusOK, nil)
	mustCall(client, http.MethodPost, base+"/api/auth/refresh-token", "", nil, http.StatusUnauthorized, nil)

	if addr := os.Getenv("FERTYFLOW_GRPC_ADDR"); addr != "" {
		checkGRPCHealth(addr)
	}

	fmt.Printf("auth smoke test passed: user=%s roles=%v\n", login.User.UserID, login.User.Roles)
}

func mustCall(client *http.Client, method, url, token string, body any, want int, out any) {
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal: %v", err)
		}
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		log.Fatalf("%s %s: status %d, want %d", method, url, resp.StatusCode, want)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
}

// checkGRPCHealth requires the API to report SERVING over gRPC health.
func checkGRPCHealth(addr string) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial grpc %s: %v", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "fertyflow-api"})
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("grpc health: %v", resp.GetStatus())
	}
}
