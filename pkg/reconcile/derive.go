package reconcile

import (
	"fmt"
	"strings"

	"github.com/mscno/roomsync/pkg/identity"
	"github.com/mscno/roomsync/pkg/rocketchat"
	"github.com/mscno/roomsync/pkg/structure"
)

// DefaultRoomAffiliations are the primary affiliations entitled to sync rooms.
var DefaultRoomAffiliations = []string{"staff", "teacher", "researcher", "emeritus"}

const roomDescriptionFormat = "Private exchange room for members of %s"

// RoomSpec is a sync room an identity should belong to.
type RoomSpec struct {
	// FriendlyName identifies the room.
	FriendlyName string
	Description  string
	Topic        string
}

// Bio joins the role labels, the unit name and description and the parent
// unit description with ", ", skipping blank parts.
func Bio(id identity.Identity) string {
	parts := append([]string(nil), id.Roles...)
	if id.Unit != nil {
		parts = append(parts, id.Unit.Name, id.Unit.Description)
	}
	if id.ParentUnit != nil {
		parts = append(parts, id.ParentUnit.Description)
	}

	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			segments = append(segments, part)
		}
	}
	return strings.Join(segments, ", ")
}

// DesiredProfile returns the profile fields the account should carry.
// Directory attributes that are missing are left out so the live value is
// kept; the bio is always managed and may be cleared.
func DesiredProfile(id identity.Identity) map[string]string {
	fields := map[string]string{rocketchat.FieldBio: Bio(id)}
	if id.DisplayName != "" {
		fields[rocketchat.FieldName] = id.DisplayName
	}
	if id.Email != "" {
		fields[rocketchat.FieldEmail] = id.Email
	}
	return fields
}

// TargetRooms returns the sync rooms of id: its unit and the unit's parent,
// for identities whose affiliation is in affiliations.
func TargetRooms(id identity.Identity, affiliations []string) []RoomSpec {
	if !contains(affiliations, id.PrimaryAffiliation) {
		return nil
	}
	var rooms []RoomSpec
	seen := map[string]bool{}
	for _, unit := range []*structure.OrgUnit{id.Unit, id.ParentUnit} {
		if unit == nil {
			continue
		}
		name := strings.TrimSpace(unit.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		rooms = append(rooms, RoomSpec{
			FriendlyName: name,
			Description:  fmt.Sprintf(roomDescriptionFormat, name),
			Topic:        unit.Description,
		})
	}
	return rooms
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
