package frame

// WriteLoop drains the outbound buffer whenever notify fires, until
// closed is closed. The USB backend does not use a Conn at all; it
// writes each request to its endpoints directly from its Forward
// method. Stream transports (TCP, frontend sockets) use this loop so a
// write failure can be observed and turned into a deletion flag
// without blocking the producer goroutine.
func (c *Conn) WriteLoop(notify <-chan struct{}, closed <-chan struct{}) error {
	for {
		select {
		case <-closed:
			return nil
		case <-notify:
			if err := c.PumpOutput(); err != nil {
				c.MarkDeleted()
				return err
			}
		}
	}
}
