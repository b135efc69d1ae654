package wacore

import (
	"fmt"

	"github.com/google/uuid"

	waBinary "github.com/lattice-chat/wacore/binary"
	"github.com/lattice-chat/wacore/types"
)

// GroupParticipant is one entry of a GroupInfo's participant list.
type GroupParticipant struct {
	JID     types.JID
	IsAdmin bool
}

// GroupInfo is the parsed response of a <iq xmlns=w:g2><query/></iq>
// group-metadata request, grounded on send.go.teacher's GetGroupInfo.
type GroupInfo struct {
	JID          types.JID
	OwnerJID     types.JID
	Name         string
	Topic        string
	Announce     bool
	Locked       bool
	Participants []GroupParticipant
}

// getGroupInfo fetches and parses a group's metadata. Callers that only
// need the participant list for fan-out should prefer
// getCachedGroupParticipants, which consults groupParticipantsCache first.
func (cli *Client) getGroupInfo(jid types.JID) (*GroupInfo, error) {
	resp, err := cli.sendIQ(infoQuery{
		Namespace: "w:g2",
		Type:      iqGet,
		To:        jid,
		Content: []waBinary.Node{{
			Tag:   "query",
			Attrs: waBinary.Attrs{"request": "interactive"},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request group info: %w", err)
	}
	groupNode, ok := resp.GetOptionalChildByTag("group")
	if !ok {
		return nil, fmt.Errorf("group info request didn't return group info")
	}

	ag := groupNode.AttrGetter()
	info := &GroupInfo{
		JID:      types.NewJID(ag.String("id"), types.GroupServer),
		OwnerJID: ag.OptionalJIDOrEmpty("creator"),
		Name:     ag.OptionalString("subject"),
	}
	for _, child := range groupNode.GetChildren() {
		switch child.Tag {
		case "participant":
			cag := child.AttrGetter()
			info.Participants = append(info.Participants, GroupParticipant{
				JID:     cag.JID("jid"),
				IsAdmin: cag.OptionalString("type") == "admin" || cag.OptionalString("type") == "superadmin",
			})
		case "announcement":
			info.Announce = true
		case "locked":
			info.Locked = true
		}
	}

	var participants []types.JID
	for _, p := range info.Participants {
		participants = append(participants, p.JID)
	}
	cli.groupParticipantsCache.Store(info.JID, participants)
	return info, nil
}

// getCachedGroupParticipants returns jid's cached participant list,
// fetching and populating the cache on a miss. Used by the relay engine
// to compute the group/status audience before extending it via usync.
func (cli *Client) getCachedGroupParticipants(jid types.JID) ([]types.JID, error) {
	if participants, ok := cli.groupParticipantsCache.Load(jid); ok {
		return participants, nil
	}
	info, err := cli.getGroupInfo(jid)
	if err != nil {
		return nil, err
	}
	participants, _ := cli.groupParticipantsCache.Load(info.JID)
	return participants, nil
}

// invalidateGroupCache drops jid's cached participant list, forcing the
// next getCachedGroupParticipants call to re-fetch.
func (cli *Client) invalidateGroupCache(jid types.JID) {
	cli.groupParticipantsCache.Delete(jid)
}

// generateGroupInviteToken returns a fresh invite-code-shaped token. Real
// group-invite codes aren't base32 UUIDs on the wire, but nothing in this
// module parses them back out, so a UUID is a fine opaque nonce source
// here.
func generateGroupInviteToken() string {
	return uuid.NewString()
}
