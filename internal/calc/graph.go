package calc

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/stockpulse/pipeline-cli/internal/model"
)

// buildOrder topologically sorts the registry's calculated fields by their
// depends_on edges. Fetched dependencies arrive from sources and carry no
// edges; only calc-to-calc dependencies order the evaluation. Ties break
// alphabetically on the field key so the order is identical on every start.
//
// A cycle among calculated fields is a field-registry configuration error
// and is reported with the keys still stuck in the cycle.
func buildOrder(reg *model.FieldRegistry) ([]string, error) {
	calcFields := reg.Calculated()

	indegree := make(map[string]int, len(calcFields))
	dependents := make(map[string][]string, len(calcFields))
	for _, f := range calcFields {
		indegree[f.Key] += 0
		for _, dep := range f.DependsOn {
			d := reg.ByKey(dep)
			if d == nil || !d.Calculated() {
				continue
			}
			indegree[f.Key]++
			dependents[dep] = append(dependents[dep], f.Key)
		}
	}

	var ready []string
	for key, n := range indegree {
		if n == 0 {
			ready = append(ready, key)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(calcFields))
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		order = append(order, key)

		released := false
		for _, next := range dependents[key] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) < len(calcFields) {
		var stuck []string
		for key, n := range indegree {
			if n > 0 {
				stuck = append(stuck, key)
			}
		}
		sort.Strings(stuck)
		return nil, eris.Errorf("calc: dependency cycle among calculated fields: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}
