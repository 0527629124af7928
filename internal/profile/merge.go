package profile

import "strings"

// Update carries the profile fields the model extracted from a turn. Empty
// fields mean "no change".
type Update struct {
	Name       string `json:"name,omitempty"`
	Address    string `json:"address,omitempty"`
	Preference string `json:"preference,omitempty"`
}

// Change describes one applied profile mutation, in the form the audit log
// records it.
type Change struct {
	Type    string
	Message string
}

// Merge applies upd to p field by field and returns one Change per mutation:
//
//   - Name and Address overwrite only when the incoming value is non-empty
//     and different from the stored one, so repeating the same value never
//     produces a second audit entry.
//   - Preference accumulates: appended with a "; " separator only when
//     non-empty and not already a substring of the stored preferences. The
//     containment check is deliberately crude (case-sensitive, no trimming)
//     to match the established store convention.
func Merge(p *ClientProfile, upd Update) []Change {
	var changes []Change

	if upd.Name != "" && upd.Name != p.Name {
		p.Name = upd.Name
		changes = append(changes, Change{
			Type:    "Nome atualizado",
			Message: "Nome atualizado para " + p.Name,
		})
	}

	if upd.Address != "" && upd.Address != p.Address {
		p.Address = upd.Address
		changes = append(changes, Change{
			Type:    "Endereço atualizado",
			Message: "Endereço atualizado para " + p.Address,
		})
	}

	if upd.Preference != "" && !strings.Contains(p.Preferences, upd.Preference) {
		if p.Preferences == "" {
			p.Preferences = upd.Preference
		} else {
			p.Preferences = p.Preferences + "; " + upd.Preference
		}
		changes = append(changes, Change{
			Type:    "Preferências atualizado",
			Message: "Preferências atualizadas para " + p.Preferences,
		})
	}

	return changes
}
