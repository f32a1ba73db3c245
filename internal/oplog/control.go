package oplog

// Control is the per-pass state of a Pull. It starts active and becomes
// stopped once the limit is reached or a stop is requested; a new pass needs
// a new Control.
type Control struct {
	count   int
	limit   int
	stopped bool
}

// NewControl returns a Control. A limit <= 0 means unbounded.
func NewControl(limit int) *Control {
	return &Control{limit: limit}
}

func (c *Control) Increment() {
	c.count++
	if c.limit > 0 && c.count >= c.limit {
		c.stopped = true
	}
}

func (c *Control) RequestStop() {
	c.stopped = true
}

func (c *Control) Stopped() bool {
	return c.stopped
}

func (c *Control) Count() int {
	return c.count
}
