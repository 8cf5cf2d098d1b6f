package demo

import (
	"stratum/internal/oracle"
	"stratum/internal/registry"
)

// Oracle builds an oracle answering queries with the answers recorded in
// f, both in standalone query demonstrations and inside strategy
// demonstrations, without duplicates. Queries are instantiated through reg
// so that fingerprints match the ones computed at run time; demonstrations
// naming unknown queries are skipped.
func Oracle(reg *registry.Registry, f File) *oracle.Static {
	o := oracle.NewStatic()
	seen := make(map[string]bool)
	add := func(qd QueryDemo) {
		q, err := reg.Query(qd.Query, qd.Args)
		if err != nil {
			return
		}
		fp := q.Fingerprint()
		for _, a := range qd.Answers {
			ans := a.Translate()
			if key := fp + " " + ans.Key(); !seen[key] {
				seen[key] = true
				o.AddFingerprint(fp, ans)
			}
		}
	}
	for _, d := range f {
		if d.Query != nil {
			add(*d.Query)
		}
		if d.Strategy != nil {
			for _, qd := range d.Strategy.Queries {
				add(qd)
			}
		}
	}
	return o
}
