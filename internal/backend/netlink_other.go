//go:build !linux

package backend

import "errors"

func newNetlinkOps() (linkOps, error) {
	return nil, errors.New("netlink execution requires linux; use exec: iproute2 or dry_run")
}
