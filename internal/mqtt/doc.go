// Package mqtt announces mailsite to Home Assistant over MQTT. The
// publisher registers a handful of sensor entities through MQTT
// discovery (uptime, version, last run, updates applied, run errors,
// tokens used today) and pushes fresh state after every pipeline run
// and on a fixed interval.
//
// Connection management uses Eclipse Paho v2's [autopaho] package with
// automatic reconnection. On every (re-)connect the publisher sends
// retained discovery payloads and an "online" birth message; a will
// message flips availability to "offline" on unexpected disconnects.
package mqtt
