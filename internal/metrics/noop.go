package metrics

// NoopReporter implements Reporter with no-ops, for callers that don't
// want metrics wired (most unit tests).
type NoopReporter struct{}

func (NoopReporter) RegisterSession()           {}
func (NoopReporter) UnregisterSession()         {}
func (NoopReporter) IncCommandsReceived()       {}
func (NoopReporter) IncResponsesSent()          {}
func (NoopReporter) IncCommandsDropped()        {}
func (NoopReporter) IncCancel(string)           {}
func (NoopReporter) IncLocalityChange()         {}
func (NoopReporter) IncCreateConnection(string) {}
