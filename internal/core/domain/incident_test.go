package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStatus_IsValid(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"pending", StatusPending, true},
		{"open", StatusOpen, true},
		{"mitigating", StatusMitigating, true},
		{"resolved", StatusResolved, true},
		{"closed", StatusClosed, true},
		{"empty", Status(""), false},
		{"lowercase", Status("open"), false},
		{"acknowledged", Status("ACKNOWLEDGED"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.IsValid(); got != tt.want {
				t.Errorf("Status.IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatus_IsActive(t *testing.T) {
	active := map[Status]bool{
		StatusPending:    false,
		StatusOpen:       true,
		StatusMitigating: true,
		StatusResolved:   false,
		StatusClosed:     false,
	}
	for status, want := range active {
		if got := status.IsActive(); got != want {
			t.Errorf("%s.IsActive() = %v, want %v", status, got, want)
		}
	}
}

func TestStateMachine_Completeness(t *testing.T) {
	for _, status := range AllStatuses {
		next := LegalTransitions(status)
		if status.IsTerminal() {
			if len(next) != 0 {
				t.Errorf("terminal status %s has legal transitions %v", status, next)
			}
			continue
		}
		if len(next) == 0 {
			t.Errorf("non-terminal status %s has no legal transitions", status)
		}
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name         string
		from         Status
		to           Status
		allowed      bool
		reasonSubstr []string
	}{
		{"pending to open", StatusPending, StatusOpen, true, []string{"PENDING to OPEN"}},
		{"open to mitigating", StatusOpen, StatusMitigating, true, nil},
		{"open to resolved", StatusOpen, StatusResolved, true, nil},
		{"mitigating to resolved", StatusMitigating, StatusResolved, true, nil},
		{"resolved to closed", StatusResolved, StatusClosed, true, nil},
		{"pending to closed", StatusPending, StatusClosed, false, []string{"PENDING to CLOSED", "legal next states: OPEN"}},
		{"open to pending", StatusOpen, StatusPending, false, []string{"legal next states: MITIGATING, RESOLVED"}},
		{"mitigating to open", StatusMitigating, StatusOpen, false, []string{"legal next states: RESOLVED"}},
		{"resolved to open", StatusResolved, StatusOpen, false, []string{"legal next states: CLOSED"}},
		{"same state", StatusOpen, StatusOpen, false, []string{"OPEN to OPEN"}},
		{"closed to open", StatusClosed, StatusOpen, false, []string{"terminal"}},
		{"closed to closed", StatusClosed, StatusClosed, false, []string{"terminal"}},
		{"unknown target", StatusOpen, Status("DONE"), false, []string{"unknown target status"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ValidateTransition(tt.from, tt.to)
			if check.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v (reason %q)", check.Allowed, tt.allowed, check.Reason)
			}
			if check.Reason == "" {
				t.Fatal("reason must never be empty")
			}
			for _, sub := range tt.reasonSubstr {
				if !strings.Contains(check.Reason, sub) {
					t.Errorf("reason %q does not contain %q", check.Reason, sub)
				}
			}
		})
	}
}

func TestValidateTransition_AnyFromClosedIsTerminal(t *testing.T) {
	for _, to := range AllStatuses {
		check := ValidateTransition(StatusClosed, to)
		if check.Allowed {
			t.Errorf("CLOSED -> %s was allowed", to)
		}
		if !strings.Contains(check.Reason, "terminal") {
			t.Errorf("CLOSED -> %s reason %q does not cite terminality", to, check.Reason)
		}
	}
}

func newTestIncident(status Status) *Incident {
	at := time.Date(2026, 1, 17, 10, 30, 0, 0, time.UTC)
	return &Incident{
		ID:         "inc-1",
		DecisionID: "dec-1",
		Title:      "SEV2: api-errors on checkout",
		Service:    "checkout",
		Severity:   SeverityHigh,
		Status:     status,
		Version:    1,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func testResolution() *Resolution {
	return &Resolution{
		Summary:    "rolled back deploy 42",
		ResolvedBy: "sre-alice",
		ResolvedAt: time.Date(2026, 1, 17, 11, 0, 0, 0, time.UTC),
	}
}

func TestIncident_Transition(t *testing.T) {
	at := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)

	t.Run("pending to closed is illegal", func(t *testing.T) {
		inc := newTestIncident(StatusPending)
		err := inc.Transition(StatusClosed, nil, at)
		if !IsCode(err, CodeIllegalTransition) {
			t.Fatalf("expected ILLEGAL_TRANSITION, got %v", err)
		}
		if inc.Status != StatusPending || inc.Version != 1 {
			t.Errorf("incident mutated on failed transition: %s v%d", inc.Status, inc.Version)
		}
	})

	t.Run("closed is terminal", func(t *testing.T) {
		inc := newTestIncident(StatusClosed)
		inc.Resolution = testResolution()
		err := inc.Transition(StatusOpen, nil, at)
		if !IsCode(err, CodeTerminalState) {
			t.Fatalf("expected TERMINAL_STATE, got %v", err)
		}
		if !strings.Contains(err.Error(), "terminal") {
			t.Errorf("error %q does not mention terminal", err)
		}
	})

	t.Run("resolved requires resolution payload", func(t *testing.T) {
		inc := newTestIncident(StatusOpen)
		err := inc.Transition(StatusResolved, nil, at)
		if !IsCode(err, CodeValidation) {
			t.Fatalf("expected VALIDATION_ERROR, got %v", err)
		}
	})

	t.Run("resolved rejects incomplete resolution", func(t *testing.T) {
		inc := newTestIncident(StatusOpen)
		err := inc.Transition(StatusResolved, &Resolution{Summary: "fixed"}, at)
		if !IsCode(err, CodeValidation) {
			t.Fatalf("expected VALIDATION_ERROR, got %v", err)
		}
	})

	t.Run("closed requires existing resolution", func(t *testing.T) {
		inc := newTestIncident(StatusResolved)
		err := inc.Transition(StatusClosed, nil, at)
		if !IsCode(err, CodeValidation) {
			t.Fatalf("expected VALIDATION_ERROR, got %v", err)
		}
	})

	t.Run("full lifecycle bumps version", func(t *testing.T) {
		inc := newTestIncident(StatusPending)
		steps := []struct {
			to         Status
			resolution *Resolution
		}{
			{StatusOpen, nil},
			{StatusMitigating, nil},
			{StatusResolved, testResolution()},
			{StatusClosed, nil},
		}
		for i, step := range steps {
			if err := inc.Transition(step.to, step.resolution, at); err != nil {
				t.Fatalf("step %d to %s: %v", i, step.to, err)
			}
			if inc.Version != i+2 {
				t.Errorf("after %s version = %d, want %d", step.to, inc.Version, i+2)
			}
		}
		if inc.Resolution == nil {
			t.Fatal("resolution was not retained")
		}
		if !inc.UpdatedAt.Equal(at) {
			t.Errorf("UpdatedAt = %v, want %v", inc.UpdatedAt, at)
		}
	})
}

func TestIncident_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Incident)
		wantErr bool
	}{
		{"valid", func(*Incident) {}, false},
		{"missing id", func(i *Incident) { i.ID = "" }, true},
		{"missing decision", func(i *Incident) { i.DecisionID = "" }, true},
		{"long title", func(i *Incident) { i.Title = strings.Repeat("x", 201) }, true},
		{"bad status", func(i *Incident) { i.Status = "triggered" }, true},
		{"zero version", func(i *Incident) { i.Version = 0 }, true},
		{"resolved without resolution", func(i *Incident) { i.Status = StatusResolved }, true},
		{"updated before created", func(i *Incident) { i.UpdatedAt = i.CreatedAt.Add(-time.Minute) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inc := newTestIncident(StatusOpen)
			tt.mutate(inc)
			err := inc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestError_Matching(t *testing.T) {
	err := NotFound("candidate", "abc")
	wrapped := errors.Join(errors.New("context"), err)

	if CodeOf(wrapped) != CodeNotFound {
		t.Errorf("CodeOf() = %q, want NOT_FOUND", CodeOf(wrapped))
	}
	if !errors.Is(wrapped, &Error{Code: CodeNotFound}) {
		t.Error("errors.Is should match on code alone")
	}
	if errors.Is(wrapped, &Error{Code: CodeConflict}) {
		t.Error("errors.Is matched a different code")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("plain errors carry no code")
	}
}

func TestSeverity_Level(t *testing.T) {
	tests := []struct {
		severity Severity
		level    int
		sev      string
	}{
		{SeverityCritical, 1, "SEV1"},
		{SeverityHigh, 2, "SEV2"},
		{SeverityMedium, 3, "SEV3"},
		{SeverityLow, 4, "SEV4"},
		{SeverityInfo, 5, "SEV5"},
	}
	for _, tt := range tests {
		if got := tt.severity.Level(); got != tt.level {
			t.Errorf("%s.Level() = %d, want %d", tt.severity, got, tt.level)
		}
		if got := tt.severity.SEV(); got != tt.sev {
			t.Errorf("%s.SEV() = %s, want %s", tt.severity, got, tt.sev)
		}
		parsed, err := ParseSeverity(tt.sev)
		if err != nil || parsed != tt.severity {
			t.Errorf("ParseSeverity(%s) = %s, %v", tt.sev, parsed, err)
		}
	}
	if !SeverityCritical.MoreSevereThan(SeverityHigh) {
		t.Error("critical should outrank high")
	}
}
