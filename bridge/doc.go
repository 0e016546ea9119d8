// Package bridge connects the in-process broker to external message
// systems. An outbound bridge republishes cells from a broker topic to
// the external system; an inbound bridge decodes external deliveries
// into cells and publishes them on the broker. AMQP (RabbitMQ) and NATS
// bridges are provided; both speak the cell JSON envelope on the wire.
package bridge
