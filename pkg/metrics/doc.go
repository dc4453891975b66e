// Package metrics is the controller/worker core of the metrics library.
//
// A host application creates one Controller with its identity, records
// values with RecordValue and calls StartMetrics. From then on a Worker
// goroutine takes a snapshot of the pending histograms on every tick,
// writes it to a persistence.Store and offers it to a transmit.Transmitter.
// Histograms are only forgotten once the server acknowledged them.
//
// StopCollecting asks the worker to quit and blocks until its goroutine has
// exited. The worker can not be restarted afterwards; create a new
// Controller instead.
//
//	mc := metrics.NewController("foxbox", "1.0", "beta", "20160522", "go",
//		"en-us", "RPi2", "arm", "linux", "4.4",
//		metrics.WithStore(store), metrics.WithTransmitter(tx))
//	mc.StartMetrics()
//	defer mc.StopCollecting()
package metrics
