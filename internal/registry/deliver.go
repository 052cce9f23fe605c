package registry

// Result counts the outcome of a delivery.
type Result struct {
	Attempts  int
	Delivered int
	Failed    int
}

func (r *Result) add(o Result) {
	r.Attempts += o.Attempts
	r.Delivered += o.Delivered
	r.Failed += o.Failed
}

// Deliver pushes data to every connection of userID. A connection whose Send
// fails is handed to ev and does not affect the others. Locks are not held
// while sending.
func (r *Registry) Deliver(userID string, data []byte, ev Evictor) Result {
	var res Result
	for _, c := range r.ConnectionsFor(userID) {
		res.Attempts++
		if err := c.Send(data); err != nil {
			res.Failed++
			if ev != nil {
				ev.Evict(c, err)
			}
			continue
		}
		res.Delivered++
	}
	return res
}

// DeliverAll is Deliver over several users.
func (r *Registry) DeliverAll(userIDs []string, data []byte, ev Evictor) Result {
	var res Result
	for _, u := range userIDs {
		res.add(r.Deliver(u, data, ev))
	}
	return res
}

// Online filters userIDs down to those currently holding a connection.
func (r *Registry) Online(userIDs []string) []string {
	out := make([]string, 0, len(userIDs))
	for _, u := range userIDs {
		if r.IsOnline(u) {
			out = append(out, u)
		}
	}
	return out
}
