package speech

import (
	"context"
	"strings"
	"sync"
)

// ClientCapture relays transcripts produced by the browser's recognizer.
// Partial and Final are called by the websocket reader; they are dropped
// unless a capture is active.
type ClientCapture struct {
	mu        sync.Mutex
	supported bool
	active    *clientCaptureHandle
}

func NewClientCapture() *ClientCapture {
	return &ClientCapture{supported: true}
}

func (c *ClientCapture) Supported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supported
}

// SetSupported records the client's capability probe result.
func (c *ClientCapture) SetSupported(ok bool) {
	c.mu.Lock()
	c.supported = ok
	active := c.active
	c.mu.Unlock()
	if !ok && active != nil {
		active.Stop()
	}
}

func (c *ClientCapture) Start(ctx context.Context, cbs Callbacks) (CaptureHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.supported {
		return nil, ErrCaptureUnavailable
	}
	if c.active != nil {
		c.active.stopLocked()
	}
	h := &clientCaptureHandle{owner: c, cbs: cbs}
	c.active = h
	return h, nil
}

// Partial forwards an interim transcript to the active capture.
func (c *ClientCapture) Partial(text string) bool {
	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	if h == nil || h.cbs.OnPartial == nil {
		return false
	}
	h.cbs.OnPartial(strings.TrimSpace(text))
	return true
}

// Final forwards a final transcript and ends the capture, like a one-shot recognizer.
func (c *ClientCapture) Final(text string) bool {
	c.mu.Lock()
	h := c.active
	if h != nil {
		h.stopLocked()
	}
	c.mu.Unlock()
	if h == nil {
		return false
	}
	if h.cbs.OnFinal != nil {
		h.cbs.OnFinal(strings.TrimSpace(text))
	}
	return true
}

// Active reports whether a capture is running.
func (c *ClientCapture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

type clientCaptureHandle struct {
	owner   *ClientCapture
	cbs     Callbacks
	stopped bool
}

func (h *clientCaptureHandle) Stop() {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	h.stopLocked()
}

func (h *clientCaptureHandle) stopLocked() {
	if h.stopped {
		return
	}
	h.stopped = true
	if h.owner.active == h {
		h.owner.active = nil
	}
}
