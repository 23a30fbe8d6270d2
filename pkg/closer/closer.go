// Copyright 2025 BINARY Members
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package closer

import "sync"

// Closer is a multi-waiter cancellation signal for long-lived tasks.
// The owner calls Signal (or SignalAndWait) on shutdown, each task
// selects on Captured and calls Done when it returns.
type Closer struct {
	once    sync.Once
	wg      sync.WaitGroup
	closedC chan struct{}
}

// New creates a Closer tracking initial tasks.
func New(initial int) *Closer {
	c := &Closer{
		closedC: make(chan struct{}),
	}
	c.wg.Add(initial)
	return c
}

// AddRunning registers n more tasks.
func (c *Closer) AddRunning(n int) {
	c.wg.Add(n)
}

// Signal asks every task to stop. Idempotent.
func (c *Closer) Signal() {
	c.once.Do(func() {
		close(c.closedC)
	})
}

// Captured completes once Signal has been called.
func (c *Closer) Captured() <-chan struct{} {
	return c.closedC
}

// Done marks one task as returned.
func (c *Closer) Done() {
	c.wg.Done()
}

// Wait blocks until every registered task has called Done.
func (c *Closer) Wait() {
	c.wg.Wait()
}

// SignalAndWait combines Signal and Wait.
func (c *Closer) SignalAndWait() {
	c.Signal()
	c.Wait()
}
