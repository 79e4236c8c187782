package memcache

import "fmt"

func (a *Adapter) handleStats() (bool, error) {
	stats := map[string]string{
		"version":       Version,
		"curr_items":    fmt.Sprint(a.session.CurrentItems()),
		"bytes":         fmt.Sprint(a.session.CurrentBytes()),
		"curr_sessions": fmt.Sprint(a.session.SessionsCount()),
	}
	for k, v := range stats {
		if err := a.resp.stat(k, v); err != nil {
			return false, err
		}
	}
	return false, a.resp.end()
}

func (a *Adapter) handleDumpStats(args []string) (bool, error) {
	names := args
	if len(names) == 0 {
		names = a.session.QueueNames()
	}
	for _, queue := range names {
		stats, err := a.session.QueueStats(queue)
		if err != nil {
			continue
		}
		if err := a.resp.line(fmt.Sprintf("queue '%s' {", queue)); err != nil {
			return false, err
		}
		for k, v := range stats {
			if err := a.resp.line(fmt.Sprintf("  %s: %s", k, v)); err != nil {
				return false, err
			}
		}
		if err := a.resp.line("}"); err != nil {
			return false, err
		}
	}
	return false, a.resp.end()
}
