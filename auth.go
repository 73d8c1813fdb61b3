package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/oauth2"
)

// authSession is one in-flight authorization attempt. Sessions expire so a
// late callback gets a clear "authorization expired" instead of a forever
// reusable nonce.
type authSession struct {
	Nonce   string
	Created time.Time
}

// AuthFlow issues authorization URLs and handles the OAuth redirect callback.
type AuthFlow struct {
	oauth    *oauth2.Config
	store    *CredentialStore
	sessions *ttlcache.Cache[int64, authSession]
	timeout  time.Duration
	// notify delivers a message to the user over Telegram.
	notify func(userID int64, text string)
}

func NewAuthFlow(oauth *oauth2.Config, store *CredentialStore, sessionTTL, timeout time.Duration, notify func(int64, string)) *AuthFlow {
	sessions := ttlcache.New(
		ttlcache.WithTTL[int64, authSession](sessionTTL),
		ttlcache.WithDisableTouchOnHit[int64, authSession](),
	)
	go sessions.Start()
	return &AuthFlow{
		oauth:    oauth,
		store:    store,
		sessions: sessions,
		timeout:  timeout,
		notify:   notify,
	}
}

// Begin opens a session for the user and returns the authorization URL to
// put behind an inline button. A repeated /auth replaces the old session.
func (f *AuthFlow) Begin(userID int64) string {
	nonce := uuid.NewString()
	f.sessions.Set(userID, authSession{Nonce: nonce, Created: time.Now()}, ttlcache.DefaultTTL)
	return f.oauth.AuthCodeURL(encodeState(nonce, userID),
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

func encodeState(nonce string, userID int64) string {
	return fmt.Sprintf("%s|%d", nonce, userID)
}

func decodeState(state string) (nonce string, userID int64, err error) {
	nonce, rawID, ok := strings.Cut(state, "|")
	if !ok || nonce == "" {
		return "", 0, fmt.Errorf("malformed state %q", state)
	}
	userID, err = strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed user id in state %q", state)
	}
	return nonce, userID, nil
}

// HandleCallback is the GET /callback handler. The nonce must match the
// stored session exactly; nothing is persisted otherwise.
func (f *AuthFlow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "Missing required parameters", http.StatusBadRequest)
		return
	}

	nonce, userID, err := decodeState(state)
	if err != nil {
		log.Printf("auth: bad callback state: %v", err)
		http.Error(w, "Malformed state", http.StatusBadRequest)
		return
	}

	item := f.sessions.Get(userID)
	if item == nil {
		log.Printf("auth: no session for user %d (expired or never started)", userID)
		http.Error(w, "Authorization expired, please run /auth again.", http.StatusBadRequest)
		return
	}
	if item.Value().Nonce != nonce {
		log.Printf("auth: nonce mismatch for user %d", userID)
		http.Error(w, "State mismatch!", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	tok, err := f.oauth.Exchange(ctx, code)
	if err != nil {
		log.Printf("auth: code exchange failed for user %d: %v", userID, err)
		f.notify(userID, "Authentication failed. Please try /auth again.")
		http.Error(w, "Authorization failed", http.StatusInternalServerError)
		return
	}

	cred := credentialFromToken(tok, f.grantedScopes(tok))
	if err := f.store.Save(userID, cred); err != nil {
		log.Printf("auth: saving credential failed for user %d: %v", userID, err)
		f.notify(userID, "Authentication failed. Please try /auth again.")
		http.Error(w, "Authorization failed", http.StatusInternalServerError)
		return
	}
	f.sessions.Delete(userID)

	log.Printf("auth: credential stored for user %d, expiry %s", userID, cred.Expiry.Format(time.RFC3339))
	f.notify(userID, "Authorization successful! You can now use /events to see your upcoming events.")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h3>Authorization successful!</h3><p>Please return to the Telegram bot.</p></body></html>")
}

// grantedScopes prefers the scopes Google actually granted over the ones we
// asked for.
func (f *AuthFlow) grantedScopes(tok *oauth2.Token) []string {
	if s, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(s) != "" {
		return strings.Fields(s)
	}
	return f.oauth.Scopes
}

func (f *AuthFlow) Stop() {
	f.sessions.Stop()
}
