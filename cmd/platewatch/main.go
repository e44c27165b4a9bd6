// Command platewatch ingests license-plate sightings from MQTT or NATS into a
// store and serves them over HTTP. It also ships the demo plate scanner and
// the bridge that forwards scanner readings to the broker.
package main

func main() {
	Execute()
}
