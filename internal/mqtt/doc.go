// Package mqtt mirrors the event bus onto an MQTT broker. Every bus
// event is published to <prefix>/events/<source>/<kind>; a retained
// daily status summary goes to <prefix>/status. The availability topic
// carries a retained "online" birth message and an "offline" will.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection.
package mqtt
