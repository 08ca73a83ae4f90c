package transport

import (
	"github.com/goccy/go-json"
)

// response is the subset of a /validate/* answer the client looks at.
type response struct {
	Result struct {
		Status bool `json:"status"`
		Value  bool `json:"value"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"result"`
	Detail struct {
		Serial         string `json:"serial"`
		TransactionID  string `json:"transaction_id"`
		Message        string `json:"message"`
		MultiChallenge []struct {
			Type          string `json:"type"`
			Serial        string `json:"serial"`
			TransactionID string `json:"transaction_id"`
			Message       string `json:"message"`
		} `json:"multi_challenge"`
	} `json:"detail"`
}

func decode(body []byte) (*response, bool) {
	if len(body) == 0 {
		return nil, false
	}
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, false
	}
	return &r, true
}

// ParseAuthenticationResponse maps a /validate/check answer to a Status.
// A rejected request that opened a transaction is AuthContinue; a plain
// rejection is AuthFail; anything unreadable or flagged as a server error is
// StatusError.
func ParseAuthenticationResponse(body []byte) Status {
	r, ok := decode(body)
	if !ok || !r.Result.Status {
		return StatusError
	}
	if r.Result.Value {
		return StatusAuthOK
	}
	if r.Detail.TransactionID != "" || len(r.Detail.MultiChallenge) > 0 {
		return StatusAuthContinue
	}
	return StatusAuthFail
}

// ParseTriggerResponse extracts the challenge a first step triggered. A body
// without challenges yields ChallengeNone.
func ParseTriggerResponse(body []byte) Challenge {
	r, ok := decode(body)
	if !ok {
		return Challenge{}
	}

	c := Challenge{
		TransactionID: r.Detail.TransactionID,
		Message:       r.Detail.Message,
	}

	push, other := false, false
	for _, mc := range r.Detail.MultiChallenge {
		if mc.Type == "push" {
			push = true
		} else {
			other = true
		}
		if c.TransactionID == "" {
			c.TransactionID = mc.TransactionID
		}
	}

	switch {
	case push && other:
		c.Mode = ChallengePushOrOTP
	case push:
		c.Mode = ChallengePush
	case other || c.TransactionID != "":
		c.Mode = ChallengeOTP
	}

	return c
}

// ParsePollResponse maps a /validate/polltransaction answer to a Status.
// StatusNotSet means the push has not been confirmed yet.
func ParsePollResponse(body []byte) Status {
	r, ok := decode(body)
	if !ok || !r.Result.Status {
		return StatusError
	}
	if r.Result.Value {
		return StatusAuthOK
	}
	return StatusNotSet
}

// ErrorMessage returns result.error.message, if any.
func ErrorMessage(body []byte) string {
	r, ok := decode(body)
	if !ok || r.Result.Error == nil {
		return ""
	}
	return r.Result.Error.Message
}
