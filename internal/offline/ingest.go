package offline

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/al-bashkir/otp-credential-auth/internal/logsanitize"
)

// IngestAuthResponse adds the offline data carried by a successful
// authentication response. Every element of auth_items.offline becomes an
// entry tagged with detail.serial.
//
// Returns ErrNoOfflineData when the response carries no offline block; this
// is the normal case for tokens that are not enrolled for offline use.
func (s *Store) IngestAuthResponse(body []byte) error {
	doc, err := parseObject(body)
	if err != nil {
		return err
	}

	authItems, ok := doc["auth_items"]
	if !ok || isNull(authItems) {
		return ErrNoOfflineData
	}

	detail, err := object(doc["detail"])
	if err != nil {
		return fmt.Errorf("%w: detail: %v", ErrFormat, err)
	}
	serial, ok := stringValue(detail["serial"])
	if !ok {
		return fmt.Errorf("%w: detail.serial is not a string", ErrFormat)
	}

	items, err := object(authItems)
	if err != nil {
		return fmt.Errorf("%w: auth_items: %v", ErrFormat, err)
	}
	rawOffline, ok := items["offline"]
	if !ok || isNull(rawOffline) {
		return ErrNoOfflineData
	}

	var elements []json.RawMessage
	if !isArray(rawOffline) {
		return fmt.Errorf("%w: auth_items.offline is not an array", ErrFormat)
	}
	if err := json.Unmarshal(rawOffline, &elements); err != nil {
		return fmt.Errorf("%w: auth_items.offline: %v", ErrFormat, err)
	}
	if len(elements) == 0 {
		return ErrNoOfflineData
	}

	entries := make([]*Entry, 0, len(elements))
	for i, raw := range elements {
		e, err := decodeEntry(raw)
		if err != nil {
			return fmt.Errorf("%w: auth_items.offline[%d]: %v", ErrFormat, i, err)
		}
		e.Serial = serial
		entries = append(entries, e)
	}

	s.mu.Lock()
	s.add(entries)
	s.mu.Unlock()

	for _, e := range entries {
		slog.Info("offline data received",
			"user", logsanitize.Sanitize(e.User),
			"username", logsanitize.Sanitize(e.Username),
			"serial", logsanitize.Sanitize(e.Serial),
			"otps", len(e.OTPs),
		)
	}

	return nil
}

// IngestRefillResponse applies an /validate/offlinerefill response to the
// first entry of username. The refill token is replaced (or cleared when the
// response carries none) and new counters are added. Counters that already
// exist are never overwritten.
func (s *Store) IngestRefillResponse(body []byte, username string) error {
	doc, err := parseObject(body)
	if err != nil {
		return err
	}

	items, err := object(doc["auth_items"])
	if err != nil {
		return fmt.Errorf("%w: auth_items: %v", ErrFormat, err)
	}
	var elements []json.RawMessage
	if !isArray(items["offline"]) {
		return fmt.Errorf("%w: auth_items.offline is not an array", ErrFormat)
	}
	if err := json.Unmarshal(items["offline"], &elements); err != nil {
		return fmt.Errorf("%w: auth_items.offline: %v", ErrFormat, err)
	}
	if len(elements) == 0 || isNull(elements[0]) {
		return fmt.Errorf("%w: auth_items.offline is empty", ErrFormat)
	}

	first, err := object(elements[0])
	if err != nil {
		return fmt.Errorf("%w: auth_items.offline[0]: %v", ErrFormat, err)
	}
	token, _ := stringValue(first["refilltoken"])

	var response map[string]json.RawMessage
	if raw, ok := first["response"]; ok && !isNull(raw) {
		response, err = object(raw)
		if err != nil {
			return fmt.Errorf("%w: response: %v", ErrFormat, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if !e.Matches(username) {
			continue
		}

		e.RefillToken = token
		if e.OTPs == nil {
			e.OTPs = make(map[string]string, len(response))
		}

		added := 0
		for counter, raw := range response {
			value, ok := stringValue(raw)
			if !ok {
				continue
			}
			if _, exists := e.OTPs[counter]; exists {
				continue
			}
			e.OTPs[counter] = value
			added++
		}

		slog.Info("offline data refilled",
			"username", logsanitize.Sanitize(username),
			"serial", logsanitize.Sanitize(e.Serial),
			"added", added,
			"remaining", len(e.OTPs),
			"refilltoken", logsanitize.Mask(token),
		)
		return nil
	}

	return ErrUserNotFound
}

func decodeEntry(raw json.RawMessage) (*Entry, error) {
	fields, err := object(raw)
	if err != nil {
		return nil, err
	}

	e := &Entry{OTPs: make(map[string]string)}
	e.User, _ = stringValue(fields["user"])
	e.Username, _ = stringValue(fields["username"])
	e.Serial, _ = stringValue(fields["serial"])
	e.RefillToken, _ = stringValue(fields["refilltoken"])

	if raw, ok := fields["response"]; ok && !isNull(raw) {
		response, err := object(raw)
		if err != nil {
			return nil, fmt.Errorf("response: %w", err)
		}
		for counter, v := range response {
			if value, ok := stringValue(v); ok {
				e.OTPs[counter] = value
			}
		}
	}

	return e, nil
}

// parseObject rejects empty and syntactically invalid bodies with ErrParse
// and valid JSON that is not an object with ErrFormat.
func parseObject(body []byte) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrParse)
	}
	if !json.Valid(body) {
		return nil, ErrParse
	}
	doc, err := object(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return doc, nil
}

func object(raw json.RawMessage) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("not an object")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func stringValue(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
