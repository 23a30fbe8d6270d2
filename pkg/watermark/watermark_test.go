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

package watermark

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoneUntil(t *testing.T) {
	w := New()
	defer w.Stop()

	w.Begin(1)
	w.Begin(2)
	w.Begin(3)

	w.Done(2)
	require.NoError(t, waitFor(w, 0))
	assert.Equal(t, uint64(0), w.DoneUntil())

	w.Done(1)
	require.NoError(t, waitFor(w, 2))
	assert.Equal(t, uint64(2), w.DoneUntil())

	w.Done(3)
	require.NoError(t, waitFor(w, 3))
	assert.Equal(t, uint64(3), w.DoneUntil())
}

func TestWaitForMark(t *testing.T) {
	w := New()
	defer w.Stop()

	w.Begin(5)

	waited := make(chan struct{})
	go func() {
		_ = w.WaitForMark(context.Background(), 5)
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("wait returned before ts 5 was done")
	case <-time.After(20 * time.Millisecond):
	}

	w.Done(5)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after ts 5 was done")
	}
}

func TestWaitForMarkCancel(t *testing.T) {
	w := New()
	defer w.Stop()

	w.Begin(7)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.WaitForMark(ctx, 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// waitFor polls until DoneUntil reaches ts, the processing goroutine
// applies marks asynchronously.
func waitFor(w *WaterMark, ts uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for w.DoneUntil() < ts {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}
