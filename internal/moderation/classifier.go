package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SubjectClassifyMinor is the NATS subject served by the moderator process.
const SubjectClassifyMinor = "moderation.classify_minor"

// Requester is the request/reply half of a message bus connection.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// NATSClassifier forwards classification requests to the moderator service.
type NATSClassifier struct {
	bus     Requester
	timeout time.Duration
}

// NewNATSClassifier returns a classifier that waits at most timeout for a
// reply. A non-positive timeout falls back to five seconds.
func NewNATSClassifier(bus Requester, timeout time.Duration) *NATSClassifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSClassifier{bus: bus, timeout: timeout}
}

func (c *NATSClassifier) ClassifyMinorSuspicion(ctx context.Context, req ClassifyRequest) (Suspicion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(req)
	if err != nil {
		return Suspicion{}, fmt.Errorf("moderation: marshal classify request: %w", err)
	}

	resp, err := c.bus.Request(ctx, SubjectClassifyMinor, data)
	if err != nil {
		return Suspicion{}, fmt.Errorf("moderation: classify request: %w", err)
	}

	var reply classifyReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		return Suspicion{}, fmt.Errorf("moderation: decode classify reply: %w", err)
	}
	if reply.Error != "" {
		return Suspicion{}, fmt.Errorf("moderation: classifier: %s", reply.Error)
	}
	return reply.Suspicion, nil
}

// ServeClassify decodes a ClassifyRequest, runs c and encodes the reply. It
// always returns a reply body so that the requester never waits for a
// timeout on malformed input.
func ServeClassify(ctx context.Context, c MinorClassifier, data []byte) []byte {
	var req ClassifyRequest
	var reply classifyReply

	if err := json.Unmarshal(data, &req); err != nil {
		reply.Error = "invalid request: " + err.Error()
	} else if s, err := c.ClassifyMinorSuspicion(ctx, req); err != nil {
		reply.Error = err.Error()
	} else {
		reply.Suspicion = s
	}

	out, _ := json.Marshal(reply)
	return out
}

// HeuristicClassifier flags explicit statements of an age under 18, school
// grade mentions and parental-permission phrases. It is deterministic and
// needs no external model.
type HeuristicClassifier struct{}

var minorSignals = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{regexp.MustCompile(`\b(?:i'?m|i am|im)\s+(?:only\s+)?(?:1[0-7]|[5-9])\b`), "stated age under 18"},
	{regexp.MustCompile(`\b(?:1[0-7]|[5-9])\s*(?:yo|y/o|yrs? old|years? old)\b`), "stated age under 18"},
	{regexp.MustCompile(`\b(?:[5-9]|1[0-2])(?:st|nd|rd|th)\s+grade\b`), "mentions school grade"},
	{regexp.MustCompile(`\b(?:middle school|elementary school|junior high|primary school)\b`), "mentions school level"},
	{regexp.MustCompile(`\bmy (?:mom|mum|dad|parents?) (?:won'?t|will not|doesn'?t|don'?t) let me\b`), "parental permission phrase"},
}

var errEmptyClassifyRequest = errors.New("nothing to classify")

func (HeuristicClassifier) ClassifyMinorSuspicion(ctx context.Context, req ClassifyRequest) (Suspicion, error) {
	if err := ctx.Err(); err != nil {
		return Suspicion{}, err
	}
	if req.UserContext == "" && len(req.RecentMessages) == 0 {
		return Suspicion{}, errEmptyClassifyRequest
	}

	texts := append([]string{req.UserContext}, req.RecentMessages...)
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, sig := range minorSignals {
			if sig.pattern.MatchString(lower) {
				return Suspicion{Suspected: true, Reason: sig.reason}, nil
			}
		}
	}
	return Suspicion{}, nil
}
