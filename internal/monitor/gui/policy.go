package gui

import "github.com/ottermq/ottermon/internal/core/models"

// AccessPolicy decides whether the current caller may run action. Read-only
// views use it to decide which buttons to show; commands are refused before
// any broker call when it returns false.
type AccessPolicy func(models.ManagementAction) bool

func AllowAll(models.ManagementAction) bool { return true }

func DenyAll(models.ManagementAction) bool { return false }

// DenyKinds refuses the listed kinds and allows the rest.
func DenyKinds(kinds ...models.ActionKind) AccessPolicy {
	denied := make(map[models.ActionKind]struct{}, len(kinds))
	for _, k := range kinds {
		denied[k] = struct{}{}
	}
	return func(a models.ManagementAction) bool {
		_, ok := denied[a.Kind]
		return !ok
	}
}

func (p AccessPolicy) allows(a models.ManagementAction) bool {
	if p == nil {
		return false
	}
	return p(a)
}
