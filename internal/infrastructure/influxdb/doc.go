// Package influxdb records simulator readings in InfluxDB v2.
//
// Every worker cycle becomes one point in the device_readings
// measurement:
//
//	device_readings,device_id=device,device_name=Huawei\ opcua\ simulator
//	    switch=true,temperature=12.3,humidity=55.1,
//	    temperature_threshold=40,humidity_threshold=60,
//	    temperature_alarm=false,humidity_alarm=false
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.SetOnError(func(err error) { log.Warn("influx write", "error", err) })
//	client.WriteSnapshot("device", snap)
//
// Writes are batched according to batch_size and flush_interval and never
// block the caller. Connection and health check errors are returned directly.
package influxdb
