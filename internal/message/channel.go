package message

import "errors"

var ErrClosed = errors.New("message channel closed")

// Port 是双向通道的一端，发送到对端信箱，从自己的信箱接收，同一通道内消息按发送顺序送达
type Port struct {
	inbox  *Mailbox[Message]
	outbox *Mailbox[Message]
}

// NewChannel 返回控制端和 worker 端
func NewChannel() (*Port, *Port) {
	a, b := NewMailbox[Message](), NewMailbox[Message]()
	return &Port{inbox: a, outbox: b}, &Port{inbox: b, outbox: a}
}

func (p *Port) Send(m Message) error {
	if !p.outbox.Put(m) {
		return ErrClosed
	}
	return nil
}

func (p *Port) Post(e *Envelope, replace Replacer) error {
	m, err := Encode(e, replace)
	if err != nil {
		return err
	}
	return p.Send(m)
}

func (p *Port) Ready() <-chan struct{} {
	return p.inbox.Ready()
}

// Done 在任意一端关闭通道后关闭
func (p *Port) Done() <-chan struct{} {
	return p.inbox.Done()
}

func (p *Port) Drain() []Message {
	return p.inbox.Drain()
}

func (p *Port) Close() {
	p.outbox.Close()
	p.inbox.Close()
}

func (p *Port) Closed() bool {
	return p.inbox.Closed()
}
