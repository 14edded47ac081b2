package flows

import "context"

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Check.Token.ready()
}

func (s Service) Check(ctx context.Context, req CheckRequest) *CheckResult {
	return RunCheck(ctx, req, s.deps.Check)
}

func (s Service) Trigger(ctx context.Context, req TriggerRequest) *CheckResult {
	return RunTrigger(ctx, req, s.deps.Check)
}

func (s Service) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	return RunEnroll(ctx, req, s.deps.Enroll)
}

func (s Service) VerifyEnrollment(ctx context.Context, serial, value string) error {
	return RunVerifyEnrollment(ctx, serial, value, s.deps.Enroll)
}

func (s Service) CompleteWebAuthn(ctx context.Context, req CompleteRequest) error {
	_, err := RunCompleteWebAuthn(ctx, req, s.deps.Enroll)
	return err
}

func (s Service) SetPIN(ctx context.Context, serial, pin string, rules PINRules) error {
	return RunSetPIN(ctx, serial, pin, rules, s.deps.Admin)
}

func (s Service) ResetFailCount(ctx context.Context, serial string) error {
	return RunResetFailCount(ctx, serial, s.deps.Admin)
}

func (s Service) SetActive(ctx context.Context, serial string, active bool) error {
	return RunSetActive(ctx, serial, active, s.deps.Admin)
}

func (s Service) Delete(ctx context.Context, serial string) error {
	return RunDelete(ctx, serial, s.deps.Admin)
}

func (s Service) Resync(ctx context.Context, serial, otp1, otp2 string) error {
	return RunResync(ctx, serial, otp1, otp2, s.deps.Admin)
}
