package lifecycle

import "github.com/google/uuid"

// Client is one open page of the scope.
type Client struct {
	ID string

	reg *Registration
	// guarded by reg.mu
	controller *Instance
	closed     bool

	controllerChanges feed[*Instance]
}

// Connect opens a page. The page starts out controlled by the active
// instance, if there is one.
func (r *Registration) Connect() *Client {
	c := &Client{
		ID:  uuid.NewString(),
		reg: r,
	}
	r.mu.Lock()
	c.controller = r.active
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	r.log.Debug().Str("client", c.ID).Msg("Client connected")
	return c
}

// Registration returns the registration the page belongs to.
func (c *Client) Registration() *Registration {
	return c.reg
}

// Ready is closed once the registration has an active instance.
// It never closes if no worker version is ever registered.
func (c *Client) Ready() <-chan struct{} {
	return c.reg.Ready()
}

// Controller returns the instance controlling the page, or nil.
func (c *Client) Controller() *Instance {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.controller
}

// ControllerChanges subscribes to controller changes of this page.
func (c *Client) ControllerChanges() (<-chan *Instance, func()) {
	return c.controllerChanges.subscribe()
}

// Close closes the page. When the last page of the active version closes,
// a waiting version activates.
func (c *Client) Close() {
	c.reg.mu.Lock()
	if c.closed {
		c.reg.mu.Unlock()
		return
	}
	c.closed = true
	delete(c.reg.clients, c)
	c.reg.mu.Unlock()
	c.reg.log.Debug().Str("client", c.ID).Msg("Client closed")
	c.reg.tryActivate()
}
