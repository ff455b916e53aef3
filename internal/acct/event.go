package acct

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind is the normalized outcome class of an accounting record.
type Kind string

const (
	KindDelivered  Kind = "delivered"
	KindBounced    Kind = "bounced"
	KindDeferred   Kind = "deferred"
	KindComplained Kind = "complained"
	KindUnknown    Kind = "unknown"
)

// Event is one normalized accounting record. PMTA writes delivery/bounce/
// feedback rows in CSV or NDJSON; everything funnels into this shape at the
// parse boundary and the raw row never travels further.
type Event struct {
	Kind       Kind      `json:"type"`
	Recipient  string    `json:"rcpt"`
	MailFrom   string    `json:"orig,omitempty"`
	JobID      string    `json:"jobId,omitempty"`
	CampaignID string    `json:"campaignId,omitempty"`
	MessageID  string    `json:"msgid,omitempty"`
	DSNAction  string    `json:"dsnAction,omitempty"`
	DSNStatus  string    `json:"dsnStatus,omitempty"`
	DSNDiag    string    `json:"dsnDiag,omitempty"`
	Time       time.Time `json:"timeLogged,omitempty"`

	// Provenance, set by the tailer rather than the parser.
	SourceFile string `json:"-"`
	Offset     int64  `json:"-"`
}

// ReceiverDomain returns the lowercased domain part of the recipient.
func (e *Event) ReceiverDomain() string {
	if idx := strings.LastIndex(e.Recipient, "@"); idx >= 0 {
		return strings.ToLower(e.Recipient[idx+1:])
	}
	return ""
}

// Serialize emits the event as one NDJSON line. ParseLine on the result
// yields an equal event (modulo provenance fields).
func (e *Event) Serialize() string {
	type wire struct {
		Type       string `json:"type"`
		Rcpt       string `json:"rcpt"`
		Orig       string `json:"orig,omitempty"`
		JobID      string `json:"jobId,omitempty"`
		CampaignID string `json:"campaignId,omitempty"`
		MsgID      string `json:"msgid,omitempty"`
		DSNAction  string `json:"dsnAction,omitempty"`
		DSNStatus  string `json:"dsnStatus,omitempty"`
		DSNDiag    string `json:"dsnDiag,omitempty"`
		TimeLogged string `json:"timeLogged,omitempty"`
	}
	w := wire{
		Type:       string(e.Kind),
		Rcpt:       e.Recipient,
		Orig:       e.MailFrom,
		JobID:      e.JobID,
		CampaignID: e.CampaignID,
		MsgID:      e.MessageID,
		DSNAction:  e.DSNAction,
		DSNStatus:  e.DSNStatus,
		DSNDiag:    e.DSNDiag,
	}
	if !e.Time.IsZero() {
		w.TimeLogged = e.Time.UTC().Format(timeLayout)
	}
	data, _ := json.Marshal(w)
	return string(data)
}
