/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package tunnel

import "sync"

// Pipe returns a connected pair of in-memory sessions. Frames sent on
// one side arrive on the other in order. Used by tests and any
// same-process wiring of edge and node components.
func Pipe() (Session, Session) {
	ab := make(chan *Frame, 64)
	ba := make(chan *Frame, 64)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeSession{send: ab, recv: ba, done: done, once: once}
	b := &pipeSession{send: ba, recv: ab, done: done, once: once}

	return a, b
}

type pipeSession struct {
	send chan *Frame
	recv chan *Frame
	done chan struct{}
	once *sync.Once
}

func (p *pipeSession) Send(f *Frame) error {
	cp := *f

	select {
	case <-p.done:
		return ErrSessionClosed
	case p.send <- &cp:
		return nil
	}
}

func (p *pipeSession) Recv() (*Frame, error) {
	select {
	case <-p.done:
		return nil, ErrSessionClosed
	case f := <-p.recv:
		return f, nil
	}
}

func (p *pipeSession) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeSession) Done() <-chan struct{} {
	return p.done
}
