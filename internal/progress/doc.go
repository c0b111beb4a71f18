// Package progress publishes hire workflow transitions to logs, Redis
// channels and a RabbitMQ topic exchange so a long-running hire can be
// observed from outside the process.
package progress
