// Package mqtt publishes simulator telemetry to an MQTT broker and
// receives attribute writes from it.
//
// This package manages:
//   - Connection with auto-reconnect and subscription restoration
//   - Retained online/offline status with a Last Will for crashes
//   - Publish/subscribe input validation (topic, QoS, payload size)
//
// # Topics
//
//	opcuasim/device/device/state     retained snapshot, one per cycle
//	opcuasim/device/device/command   {"attribute":"switch","value":false}
//	opcuasim/system/status           {"status":"online",...}
//
// The prefix comes from mqtt.topic_prefix.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(client.Topics().DeviceState("device"), snap, true)
package mqtt
