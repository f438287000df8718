package fio

import "github.com/hashicorp/go-multierror"

// WaitAll blocks until every request has reached its terminal state and
// returns the combined errors of those that failed.
func WaitAll(reqs ...*Request) error {
	var result *multierror.Error
	for _, r := range reqs {
		if r == nil {
			continue
		}
		if err := r.Wait(true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// WaitAny blocks until at least one of the requests is done and returns it.
// With an empty argument list it returns nil.
func WaitAny(reqs ...*Request) *Request {
	if len(reqs) == 0 {
		return nil
	}

	sw := newOnoffSwitch()
	registered := make([]*Request, 0, len(reqs))
	defer func() {
		for _, r := range registered {
			r.deleteWaiter(sw)
		}
	}()

	for _, r := range reqs {
		if r.addWaiter(sw) {
			return r
		}
		registered = append(registered, r)
	}

	for {
		sw.waitForOn()
		for _, r := range reqs {
			if r.Poll() {
				return r
			}
		}
	}
}
