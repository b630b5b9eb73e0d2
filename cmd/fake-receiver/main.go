package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/payintelli/hookd/internal/signature"
)

const sigHeader = "X-Webhook-Signature"

var (
	failFirstN      = 0
	reqCount        = 0
	endpointSecret  = ""
	responseDelayMS = 0
)

func main() {
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	if v := os.Getenv("ENDPOINT_SECRET"); v != "" {
		endpointSecret = v
	}
	if v := os.Getenv("RESPONSE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			responseDelayMS = n
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook)

	addr := ":8081"
	if v := os.Getenv("FAKE_RECEIVER_PORT"); v != "" {
		addr = v
	}
	log.Printf("fake-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleHook(w http.ResponseWriter, r *http.Request) {
	reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if responseDelayMS > 0 {
		time.Sleep(time.Duration(responseDelayMS) * time.Millisecond)
	}

	if endpointSecret != "" {
		if !signature.Verify(string(b), endpointSecret, r.Header.Get(sigHeader)) {
			log.Printf("fake-receiver signature mismatch event=%s attempt=%s",
				r.Header.Get("X-Webhook-Event"), r.Header.Get("X-Webhook-Attempt"))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if reqCount <= failFirstN {
		log.Printf("FAILING (%d/%d) event=%s attempt=%s body=%s",
			reqCount, failFirstN, r.Header.Get("X-Webhook-Event"), r.Header.Get("X-Webhook-Attempt"), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK event=%s attempt=%s body=%q",
		r.Header.Get("X-Webhook-Event"), r.Header.Get("X-Webhook-Attempt"), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate shortens a string for log output
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
