package reconcile

import (
	"regexp"
	"strings"
)

// Message-IDs stamped at injection look like
// <opaque.4f2a91c03be7.camp001.c3.w1@mail.example.com>; the second dotted
// part is the 12-hex job id and the third the campaign id. Older builds
// stamped only <opaque.4f2a91c03be7@host>.
var (
	msgidRe       = regexp.MustCompile(`^([^.@\s]+)\.([0-9a-fA-F]{12})\.([^.@\s]+)\.c(\d+)\.w(\d+)@([^\s>]+)$`)
	msgidLegacyRe = regexp.MustCompile(`^([^.@\s]+)\.([0-9a-fA-F]{12})@([^\s>]+)$`)
	hexTokenRe    = regexp.MustCompile(`(?:^|[^0-9a-fA-F])([0-9a-fA-F]{12})(?:[^0-9a-fA-F]|$)`)
)

// MessageIDParts is what correlation recovers from a Message-ID.
type MessageIDParts struct {
	JobID      string
	CampaignID string
	Chunk      string
	Worker     string
	Exact      bool // false when only a loose 12-hex token was found
}

// ParseMessageID extracts job correlation data from a Message-ID header
// value. The loose 12-hex fallback is best-effort and carries no uniqueness
// guarantee; callers should verify the job exists before trusting it.
func ParseMessageID(msgid string) (MessageIDParts, bool) {
	s := strings.TrimSpace(msgid)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	if s == "" {
		return MessageIDParts{}, false
	}
	if m := msgidRe.FindStringSubmatch(s); m != nil {
		return MessageIDParts{
			JobID:      strings.ToLower(m[2]),
			CampaignID: m[3],
			Chunk:      m[4],
			Worker:     m[5],
			Exact:      true,
		}, true
	}
	if m := msgidLegacyRe.FindStringSubmatch(s); m != nil {
		return MessageIDParts{JobID: strings.ToLower(m[2]), Exact: true}, true
	}
	if m := hexTokenRe.FindStringSubmatch(s); m != nil {
		return MessageIDParts{JobID: strings.ToLower(m[1])}, true
	}
	return MessageIDParts{}, false
}
