package db

import "time"

// Pool carries connection-pool tuning applied after the dialector opens.
type Pool struct {
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (p Pool) withDefaults() Pool {
	out := p
	if out.MaxIdleConn <= 0 {
		out.MaxIdleConn = 5
	}
	if out.MaxOpenConn <= 0 {
		out.MaxOpenConn = 25
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	return out
}
