package rabbitmq

import amqp "github.com/rabbitmq/amqp091-go"

type amqpDelivery = amqp.Delivery

func amqpPublishing(body string) amqp.Publishing {
	return amqp.Publishing{ContentType: "text/plain", Body: []byte(body)}
}
