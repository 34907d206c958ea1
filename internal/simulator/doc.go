// Package simulator drives the simulated device.
//
// A Worker wakes once per interval (60 s by default), draws a temperature
// in [-99, 99] and a humidity in [0, 100] from its Sampler, writes both
// into the device store, logs all six attribute values and hands the
// snapshot to every registered Sink:
//
//	worker := simulator.NewWorker(store, simulator.DefaultSampler(0), simulator.Options{DeviceID: "device"}, log)
//	worker.AddSink("mqtt", simulator.NewMQTTSink(client, topic, "device"))
//	go worker.Run(ctx)
//	<-worker.Done()
//
// Sink failures are logged and reported through OnSinkError; they never
// stop the worker. CommandHandler applies writes arriving on the MQTT
// command topic.
package simulator
