package progress

// Nop is a Reporter that discards updates.
type Nop struct{}

// SetStatus implements harvest.Reporter.
func (Nop) SetStatus(string) {}

// SetPercent implements harvest.Reporter.
func (Nop) SetPercent(int) {}

// SetFile implements harvest.Reporter.
func (Nop) SetFile(string) {}

// SetHandler implements harvest.Reporter.
func (Nop) SetHandler(string) {}
