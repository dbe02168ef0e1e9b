package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const tokenAudience = "aria"

const (
	ScopeAssessmentsRead  = "assessments:read"
	ScopeAssessmentsWrite = "assessments:write"
	ScopeStepsRead        = "steps:read"
	ScopeStepsWrite       = "steps:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// tokenClaims are the verified claims of a caller. OwnerID scopes every store
// call; Subject names the caller for rate limiting and logs.
type tokenClaims struct {
	OwnerID string
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// tokenPayload is the wire form of the claims. Scopes may be a JSON array or
// a space separated string.
type tokenPayload struct {
	OwnerID string          `json:"owner_id"`
	Subject string          `json:"sub,omitempty"`
	Scopes  json.RawMessage `json:"scopes"`
	Exp     json.Number     `json:"exp"`
	Aud     string          `json:"aud"`
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := verifyToken(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
		}
	}
	return claims, nil
}

func verifyToken(authHeader, secret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	encHeader, rest, ok := strings.Cut(strings.TrimSpace(raw), ".")
	encPayload, encSig, ok2 := strings.Cut(rest, ".")
	if !ok || !ok2 || strings.Contains(encSig, ".") {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var header tokenHeader
	if err := decodeSegment(encHeader, &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(sig, signSegments(secret, encHeader+"."+encPayload)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload tokenPayload
	if err := decodeSegment(encPayload, &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	ownerID := strings.TrimSpace(payload.OwnerID)
	if ownerID == "" {
		return tokenClaims{}, unauthorized("missing owner_id claim")
	}
	exp, err := payload.Exp.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if payload.Aud != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := parseScopes(payload.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}

	subject := payload.Subject
	if subject == "" {
		subject = ownerID
	}
	return tokenClaims{OwnerID: ownerID, Subject: subject, Scopes: scopes, Exp: exp}, nil
}

func decodeSegment(segment string, out any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

func signSegments(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func parseScopes(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if err := json.Unmarshal(raw, &joined); err != nil {
			return out
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}

// SignToken issues an HS256 token accepted by the server. Used by the CLI and
// by operators minting tokens for browser sessions.
func SignToken(secret, ownerID, subject string, scopes []string, exp time.Time) (string, error) {
	header, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	scopeJSON, err := json.Marshal(scopes)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(tokenPayload{
		OwnerID: ownerID,
		Subject: subject,
		Scopes:  scopeJSON,
		Exp:     json.Number(strconv.FormatInt(exp.Unix(), 10)),
		Aud:     tokenAudience,
	})
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signSegments(secret, signingInput)), nil
}
