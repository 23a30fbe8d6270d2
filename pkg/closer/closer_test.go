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

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalAndWait(t *testing.T) {
	c := New(3)
	var stopped atomic.Int32

	for i := 0; i < 3; i++ {
		go func() {
			defer c.Done()
			<-c.Captured()
			stopped.Add(1)
		}()
	}

	c.SignalAndWait()
	assert.Equal(t, int32(3), stopped.Load())
}

func TestSignalIdempotent(t *testing.T) {
	c := New(0)
	c.Signal()
	c.Signal()

	select {
	case <-c.Captured():
	case <-time.After(time.Second):
		t.Fatal("captured channel not closed")
	}
}
