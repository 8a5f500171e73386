package fence

// SetCounters moves the stream to an arbitrary point so tests can cross the sequence number wrap
func (o *SeqnoOps) SetCounters(emitted, passed uint32) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.emitted = emitted
	o.passed = passed
}
