//go:build linux

package kist

import "golang.org/x/sys/unix"

// sysProber queries the real Linux kernel: TCP_INFO via getsockopt for
// cwnd/unacked/mss, and SIOCOUTQNSD via ioctl for the not-yet-sent byte
// count sitting in the socket's send queue.
type sysProber struct{}

// NewKernelProber returns a Prober backed by Linux's TCP_INFO and
// SIOCOUTQNSD. On any other platform it is unsupported and every call
// to Probe fails immediately, which the scheduler treats as a
// permanently degraded (non-KIST) kernel probe.
func NewKernelProber() Prober { return sysProber{} }

func (sysProber) Probe(fd int) (cwnd, unacked, mss, notSent uint32, err error) {
	info, err := unix.GetsockoptTCPInfo(fd, unix.SOL_TCP, unix.TCP_INFO)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	notSentInt, err := unix.IoctlGetInt(fd, unix.SIOCOUTQNSD)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return info.Snd_cwnd, info.Unacked, info.Snd_mss, uint32(notSentInt), nil
}
