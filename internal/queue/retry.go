package queue

import (
	"errors"
	"math"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"bulkmail/internal/store"
)

// Class is the retry classification of a failed send.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// DefaultPermanentMarkers are reply fragments that no amount of waiting will fix.
var DefaultPermanentMarkers = []string{
	"invalid address",
	"user unknown",
	"no such user",
	"mailbox unavailable",
	"account disabled",
	"authentication failed",
}

// throttleMarkers mark a rejection as a rate limit even when the reply code is 5xx.
var throttleMarkers = []string{
	"rate limit",
	"too many",
	"try again later",
	"quota",
}

// TextClassifier is the last-resort classifier for errors that carry nothing
// but text. A zero value uses DefaultPermanentMarkers.
type TextClassifier struct {
	PermanentMarkers []string
}

func (c TextClassifier) Classify(msg string) Class {
	markers := c.PermanentMarkers
	if markers == nil {
		markers = DefaultPermanentMarkers
	}
	msg = strings.ToLower(msg)
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return Permanent
		}
	}
	return Transient
}

func isThrottle(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range throttleMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Policy decides what happens to a job after a failed send.
type Policy struct {
	// MaxRetries is the number of failed attempts after which a job fails.
	MaxRetries int
	Base       time.Duration
	Multiplier float64
	Text       TextClassifier
}

// DefaultPolicy gives 3 attempts with 2m, 8m and 32m delays.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Base:       2 * time.Minute,
		Multiplier: 4,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// Classify resolves err to Permanent or Transient. Errors that know their own
// class win, then SMTP reply codes, then the text fallback.
func (p Policy) Classify(err error) Class {
	if err == nil {
		return Transient
	}

	var known interface{ Permanent() bool }
	if errors.As(err, &known) {
		if known.Permanent() {
			return Permanent
		}
		return Transient
	}

	var reply *textproto.Error
	if errors.As(err, &reply) {
		switch {
		case isThrottle(reply.Msg):
			return Transient
		case reply.Code >= 500:
			return Permanent
		case reply.Code >= 400:
			return Transient
		}
	}

	return p.Text.Classify(err.Error())
}

// Decide builds the transition for a job that failed with err after
// retryCount earlier failed attempts.
func (p Policy) Decide(retryCount int, err error) store.Transition {
	msg := errorMessage(err)

	if p.Classify(err) == Permanent {
		return store.Transition{
			To:           store.JobStatusFailed,
			RetryCount:   retryCount,
			ErrorMessage: msg,
		}
	}

	next := retryCount + 1
	if next >= p.MaxRetries {
		return store.Transition{
			To:           store.JobStatusFailed,
			RetryCount:   next,
			ErrorMessage: msg,
		}
	}

	return store.Transition{
		To:           store.JobStatusPending,
		RetryCount:   next,
		RetryDelay:   p.Backoff(next),
		ErrorMessage: msg,
	}
}

const maxErrorMessage = 1000

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= maxErrorMessage {
		return strings.ToValidUTF8(msg, "?")
	}
	n := maxErrorMessage
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return strings.ToValidUTF8(msg[:n], "?")
}
