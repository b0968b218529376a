package webhook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadPayload marks deliveries that can never be processed.
var ErrBadPayload = errors.New("bad payload")

// Envelope is the Pub/Sub push request body.
type Envelope struct {
	Message      *PushMessage `json:"message"`
	Subscription string       `json:"subscription"`
}

// PushMessage is the message part of a push request. Pub/Sub sends the id
// under both spellings.
type PushMessage struct {
	MessageID   string            `json:"messageId"`
	MessageID2  string            `json:"message_id"`
	Data        string            `json:"data"`
	Attributes  map[string]string `json:"attributes"`
	PublishTime string            `json:"publishTime"`
}

// Delivery is one inbound notification, independent of transport. Data is
// the base64 encoded payload; empty means verification handshake.
type Delivery struct {
	MessageID    string
	Data         string
	Attributes   map[string]string
	Subscription string
}

// Notification is the decoded Gmail push payload.
type Notification struct {
	Email  string
	Cursor string
}

// ParseEnvelope decodes a push body into a Delivery. The payload itself is
// left encoded.
func ParseEnvelope(body []byte) (Delivery, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Delivery{}, fmt.Errorf("%w: invalid envelope: %v", ErrBadPayload, err)
	}
	if env.Message == nil {
		return Delivery{}, fmt.Errorf("%w: no message in envelope", ErrBadPayload)
	}

	id := env.Message.MessageID
	if id == "" {
		id = env.Message.MessageID2
	}
	return Delivery{
		MessageID:    id,
		Data:         env.Message.Data,
		Attributes:   env.Message.Attributes,
		Subscription: env.Subscription,
	}, nil
}

type notificationJSON struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// DecodeNotification decodes a base64 JSON payload of the form
// {"emailAddress": ..., "historyId": ...}. historyId may be a number or a
// string.
func DecodeNotification(data string) (*Notification, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: data is not base64", ErrBadPayload)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n notificationJSON
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("%w: invalid notification: %v", ErrBadPayload, err)
	}

	email := strings.TrimSpace(n.EmailAddress)
	cursor := strings.TrimSpace(n.HistoryID.String())
	if email == "" {
		return nil, fmt.Errorf("%w: missing emailAddress", ErrBadPayload)
	}
	if cursor == "" {
		return nil, fmt.Errorf("%w: missing historyId", ErrBadPayload)
	}
	return &Notification{Email: email, Cursor: cursor}, nil
}

// EncodeNotification is the inverse of DecodeNotification.
func EncodeNotification(email, cursor string) string {
	raw, _ := json.Marshal(map[string]string{"emailAddress": email, "historyId": cursor})
	return base64.StdEncoding.EncodeToString(raw)
}
