package web3

// waitersForTest reads the pending connect callers from the loop goroutine.
func (m *Manager) waitersForTest() []chan<- error {
	out := make(chan []chan<- error, 1)
	if !m.post(func() { out <- append([]chan<- error(nil), m.waiters...) }) {
		return nil
	}
	return <-out
}
