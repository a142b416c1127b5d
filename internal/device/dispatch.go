package device

import (
	"context"

	"shelly-go-home/internal/rpc"
)

// run consumes transport notifications until the device is closed.
func (d *Device) run() {
	defer d.wg.Done()
	notifications := d.transport.Notifications()
	for {
		select {
		case <-d.ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			d.handleNotification(n)
		}
	}
}

// handleNotification updates the cache from one push and either notifies the
// subscriber or, for a device that was never ready, starts a lazy init.
func (d *Device) handleNotification(n rpc.Notification) {
	update := UpdateUnknown

	d.mu.Lock()
	if n.Params != nil {
		switch n.Method {
		case rpc.NotifyFullStatus:
			d.status = n.Params
			update = UpdateStatus
		case rpc.NotifyStatus:
			if d.status != nil {
				d.status = MergeMaps(d.status, n.Params)
				update = UpdateStatus
			}
		case rpc.NotifyEvent:
			d.event = n.Params
			update = UpdateEvent
		}
	} else if n.Method == rpc.NotifyWebSocketClosed {
		update = UpdateDisconnected
	}

	// A closed transport is not first contact; only real pushes wake a
	// sleeping device's initialization.
	firstContact := n.Params != nil &&
		(d.state == StateUninitialized || d.state == StateFailed)
	if firstContact {
		d.state = StateInitializing
	}
	listener := d.listener
	ready := d.state == StateInitialized
	d.mu.Unlock()

	d.logger.Debug("notification", "method", n.Method, "update", update.String())

	if firstContact {
		d.wg.Add(1)
		go d.lazyInit()
		return
	}
	if listener != nil && ready {
		listener(d, update)
	}
}

// lazyInit initializes a device that pushed before it was known to be ready
// and then drops the connection the device opened for that push.
func (d *Device) lazyInit() {
	defer d.wg.Done()
	if err := d.initialize(d.ctx, true); err != nil {
		d.logger.Warn("lazy initialization failed", "err", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.IOTimeout)
	defer cancel()
	if err := d.transport.Disconnect(ctx); err != nil {
		d.logger.Warn("disconnect after lazy initialization", "err", err)
	}
}
