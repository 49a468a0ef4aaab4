package ipcsync

import (
	"testing"
	"time"
)

func TestCondVarNotifyOneWakesWaiter(t *testing.T) {
	var mu RobustMutex

	var cv CondVar[Monotonic]

	ready := false

	done := make(chan struct{})

	if _, err := mu.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	mu.Unlock()

	go func() {
		if _, err := mu.Lock(); err != nil {
			t.Errorf("Lock: %v", err)
			close(done)

			return
		}

		if _, err := cv.Wait(&mu, func() bool { return ready }); err != nil {
			t.Errorf("Wait: %v", err)
		}

		mu.Unlock()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)

	if _, err := mu.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ready = true

	cv.NotifyOne()
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestCondVarWaitUntilTimesOut(t *testing.T) {
	var mu RobustMutex

	var cv CondVar[Monotonic]

	if _, err := mu.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	timedOut, _, err := cv.WaitUntil(&mu, func() bool { return false }, time.Now().Add(30*time.Millisecond))
	if err != nil {
		t.Fatalf("WaitUntil: %v", err)
	}

	if !timedOut {
		t.Fatal("WaitUntil must report a timeout when the predicate never becomes true")
	}

	mu.Unlock()
}

func TestCondVarWaitForTimesOut(t *testing.T) {
	var mu RobustMutex

	var cv CondVar[Monotonic]

	if _, err := mu.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	timedOut, _, err := WaitFor(&cv, &mu, func() bool { return false }, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}

	if !timedOut {
		t.Fatal("WaitFor must report a timeout when the predicate never becomes true")
	}

	mu.Unlock()
}

func TestCondVarWaitForWakesBeforeTimeout(t *testing.T) {
	var mu RobustMutex

	var cv CondVar[Monotonic]

	ready := false

	done := make(chan bool, 1)

	if _, err := mu.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	mu.Unlock()

	go func() {
		if _, err := mu.Lock(); err != nil {
			t.Errorf("Lock: %v", err)
			done <- false

			return
		}

		timedOut, _, err := WaitFor(&cv, &mu, func() bool { return ready }, 2*time.Second)
		if err != nil {
			t.Errorf("WaitFor: %v", err)
		}

		mu.Unlock()
		done <- timedOut
	}()

	time.Sleep(20 * time.Millisecond)

	if _, err := mu.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ready = true

	cv.NotifyOne()
	mu.Unlock()

	select {
	case timedOut := <-done:
		if timedOut {
			t.Fatal("WaitFor reported a timeout even though NotifyOne woke it first")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken")
	}
}
