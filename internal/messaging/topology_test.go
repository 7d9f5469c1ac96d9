package messaging

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/clinicflow/clinicflow/internal/events"
)

type declared struct {
	exchanges map[string]string
	queues    map[string]amqp.Table
	bindings  map[string]string // queue -> exchange/key
	failQueue string
}

func newDeclared() *declared {
	return &declared{
		exchanges: make(map[string]string),
		queues:    make(map[string]amqp.Table),
		bindings:  make(map[string]string),
	}
}

func (d *declared) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if !durable {
		return errors.New("exchanges must be durable")
	}
	d.exchanges[name] = kind
	return nil
}

func (d *declared) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if name == d.failQueue {
		return amqp.Queue{}, errors.New("access refused")
	}
	if !durable {
		return amqp.Queue{}, errors.New("queues must be durable")
	}
	d.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (d *declared) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	d.bindings[name] = exchange + "/" + key
	return nil
}

func TestTopology_Declare(t *testing.T) {
	topo := DefaultTopology()
	d := newDeclared()

	if err := topo.Declare(d); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	if d.exchanges["appointment.events"] != "topic" {
		t.Fatalf("business exchange kind = %q", d.exchanges["appointment.events"])
	}
	if d.exchanges["appointment.events.dlx"] != "direct" {
		t.Fatalf("DLX kind = %q", d.exchanges["appointment.events.dlx"])
	}
	if got := d.bindings["notification.events.failed"]; got != "appointment.events.dlx/events.failed" {
		t.Fatalf("DLQ binding = %q", got)
	}

	for _, key := range events.RoutingKeys {
		queue := "notification." + key
		args, ok := d.queues[queue]
		if !ok {
			t.Fatalf("queue %s not declared", queue)
		}
		if args["x-queue-type"] != "quorum" {
			t.Fatalf("%s queue type = %v", queue, args["x-queue-type"])
		}
		if args["x-dead-letter-exchange"] != "appointment.events.dlx" || args["x-dead-letter-routing-key"] != "events.failed" {
			t.Fatalf("%s dead-letter args = %v", queue, args)
		}
		if args["x-delivery-limit"] != int32(5) {
			t.Fatalf("%s delivery limit = %v", queue, args["x-delivery-limit"])
		}
		if got := d.bindings[queue]; got != "appointment.events/"+key {
			t.Fatalf("%s binding = %q", queue, got)
		}
	}
}

func TestTopology_DeclareWrapsFailures(t *testing.T) {
	d := newDeclared()
	d.failQueue = "notification.appointment.canceled"

	err := DefaultTopology().Declare(d)
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "declare queue notification.appointment.canceled: access refused"; err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
}
