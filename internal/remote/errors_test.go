package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyExplicitWins(t *testing.T) {
	err := WrapClass(ClassRateLimited, fmt.Errorf("jwt expired")) // misleading message
	if got := Classify(err); got != ClassRateLimited {
		t.Errorf("Classify = %s, want explicit %s", got, ClassRateLimited)
	}
}

func TestClassifyWrapped(t *testing.T) {
	inner := WrapClass(ClassVersionConflict, fmt.Errorf("stale"))
	outer := fmt.Errorf("push task t1: %w", inner)
	if got := Classify(outer); got != ClassVersionConflict {
		t.Errorf("Classify should unwrap, got %s", got)
	}
}

func TestClassifyMessagePatterns(t *testing.T) {
	for _, tc := range []struct {
		msg  string
		want ErrorClass
	}{
		{"status 401: unauthorized", ClassAuthExpired},
		{"jwt expired", ClassAuthExpired},
		{"status 429: too many requests", ClassRateLimited},
		{"status 409: concurrent update", ClassVersionConflict},
		{"pq: 23503 violates foreign key constraint", ClassReferentialIntegrity},
		{"status 422: validation failed", ClassValidation},
		{"dial tcp: connection refused", ClassTransientNetwork},
		{"status 503: service unavailable", ClassTransientNetwork},
		{"invalid character '<' looking for beginning of value", ClassTransientNetwork},
		{"something novel", ClassUnknown},
	} {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestClassifyContextDeadline(t *testing.T) {
	err := fmt.Errorf("select: %w", context.DeadlineExceeded)
	if got := Classify(err); got != ClassTransientNetwork {
		t.Errorf("deadline exceeded should classify transient, got %s", got)
	}
}

func TestPermanentAndRetryableAreDisjoint(t *testing.T) {
	classes := []ErrorClass{
		ClassTransientNetwork, ClassAuthExpired, ClassVersionConflict,
		ClassReferentialIntegrity, ClassValidation, ClassRateLimited, ClassUnknown,
	}
	for _, c := range classes {
		if Permanent(c) && Retryable(c) {
			t.Errorf("class %s is both permanent and retryable", c)
		}
	}
	if !Permanent(ClassVersionConflict) || !Permanent(ClassValidation) || !Permanent(ClassReferentialIntegrity) {
		t.Error("conflict, validation and integrity violations must be permanent")
	}
	if !Retryable(ClassUnknown) {
		t.Error("unknown failures must stay retryable")
	}
}

func TestQualifiesForBreaker(t *testing.T) {
	for _, c := range []ErrorClass{ClassTransientNetwork, ClassRateLimited, ClassVersionConflict} {
		if !QualifiesForBreaker(c) {
			t.Errorf("%s should count toward the breaker", c)
		}
	}
	for _, c := range []ErrorClass{ClassAuthExpired, ClassValidation, ClassReferentialIntegrity, ClassUnknown} {
		if QualifiesForBreaker(c) {
			t.Errorf("%s should not count toward the breaker", c)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	for _, tc := range []struct {
		status int
		body   string
		want   ErrorClass
		failed bool
	}{
		{200, "", "", false},
		{201, "", "", false},
		{401, "", ClassAuthExpired, true},
		{409, "", ClassVersionConflict, true},
		{429, "", ClassRateLimited, true},
		{502, "", ClassTransientNetwork, true},
		{400, `{"code":"23503"}`, ClassReferentialIntegrity, true},
		{400, `{"message":"bad input"}`, ClassValidation, true},
		{500, "", ClassTransientNetwork, true},
	} {
		class, failed := classifyStatus(tc.status, []byte(tc.body))
		if failed != tc.failed || class != tc.want {
			t.Errorf("classifyStatus(%d, %q) = (%s, %v), want (%s, %v)",
				tc.status, tc.body, class, failed, tc.want, tc.failed)
		}
	}
}
