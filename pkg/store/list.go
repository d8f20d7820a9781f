package store

import "sort"

// records is a sequence kept in ascending key order.
// cmp reports the record key minus the wanted key.
type records[R any] []R

// search returns the index of the first record whose key is not less than
// the wanted key, and whether the key matches.
func (l records[R]) search(cmp func(R) int) (int, bool) {
	i := sort.Search(len(l), func(i int) bool { return cmp(l[i]) >= 0 })
	return i, i < len(l) && cmp(l[i]) == 0
}

func (l records[R]) find(cmp func(R) int) (r R, ok bool) {
	if i, found := l.search(cmp); found {
		return l[i], true
	}
	return
}

// lastBefore returns the rightmost record with a key less than the wanted key.
func (l records[R]) lastBefore(cmp func(R) int) (r R, ok bool) {
	if i, _ := l.search(cmp); i > 0 {
		return l[i-1], true
	}
	return
}

func (l *records[R]) insert(r R, cmp func(R) int) bool {
	i, found := l.search(cmp)
	if found {
		return false
	}
	var zero R
	*l = append(*l, zero)
	copy((*l)[i+1:], (*l)[i:])
	(*l)[i] = r
	return true
}

func (l *records[R]) remove(cmp func(R) int) (r R, ok bool) {
	i, found := l.search(cmp)
	if !found {
		return
	}
	r = (*l)[i]
	copy((*l)[i:], (*l)[i+1:])
	var zero R
	(*l)[len(*l)-1] = zero
	*l = (*l)[:len(*l)-1]
	return r, true
}
