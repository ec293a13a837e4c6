package stream

// WakeLock удерживает систему от засыпания, пока поток активен
type WakeLock interface {
	Acquire()
	Release()
}

type noopWakeLock struct{}

func (noopWakeLock) Acquire() {}
func (noopWakeLock) Release() {}
