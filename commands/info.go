package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/templates"
)

func (s *Session) isMember(ctx context.Context) (bool, error) {
	return s.roster.IsMember(ctx, s.sender)
}

func (s *Session) listinfoURL() string {
	base := strings.TrimRight(s.site.WebURL, "/")
	if base == "" {
		base = "http://" + s.list.Host + "/mailman"
	}
	return base + "/listinfo/" + s.list.Name
}

func handleWho(ctx context.Context, s *Session, cmd Command) error {
	if len(cmd.Args) != 0 {
		return usage("To get subscribership for a particular list, send your request\nto the '-request' address for that list.")
	}

	switch s.list.PrivateRoster {
	case mailinglist.RosterAdmin:
		return fail(mailinglist.ErrNotAMember, "Private list: No one may see subscription list.")
	case mailinglist.RosterMembers:
		member, err := s.isMember(ctx)
		if err != nil {
			return err
		}
		if !member {
			return fail(mailinglist.ErrNotAMember, "Private list: only members may see list of subscribers.")
		}
	}

	members, err := s.tx.ListMembers(ctx)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		s.response.Add("NO MEMBERS.")
		return nil
	}

	var digest, regular []string
	hasDigest, hasRegular := false, false
	for _, m := range members {
		if m.Digest {
			hasDigest = true
		} else {
			hasRegular = true
		}
		if m.Has(mailinglist.OptionHide) {
			continue
		}
		if m.Digest {
			digest = append(digest, "\t"+m.Email)
		} else {
			regular = append(regular, "\t"+m.Email)
		}
	}
	sort.Strings(digest)
	sort.Strings(regular)

	if hasDigest {
		s.response.Add("")
		s.response.Add("Digest Members:")
		s.response.Add(strings.Join(digest, "\n"))
	}
	if hasRegular {
		s.response.Add("Non-Digest Members:")
		s.response.Add(strings.Join(regular, "\n"))
	}
	return nil
}

func handleInfo(ctx context.Context, s *Session, cmd Command) error {
	if len(cmd.Args) != 0 {
		return usage("Usage: info\n" +
			"To get info for a particular list, send your request to\n" +
			"the '-request' address for that list, or use the 'lists' command\n" +
			"to get info for all the lists.")
	}

	if s.list.PrivateRoster != mailinglist.RosterPublic {
		member, err := s.isMember(ctx)
		if err != nil {
			return err
		}
		if !member {
			return fail(mailinglist.ErrNotAMember, "Private list: only members may see info.")
		}
	}

	name := s.list.DisplayName()
	s.response.Add(fmt.Sprintf("\nFor more complete info about %s, including background", name))
	s.response.Add(fmt.Sprintf("and instructions for subscribing to and using it, visit:\n\n\t%s\n", s.listinfoURL()))

	if s.list.Info == "" {
		s.response.Add(fmt.Sprintf("No other details about %s are available.", name))
		return nil
	}
	s.response.Add(fmt.Sprintf("Here is the specific description of %s:\n", name))
	s.response.Add(strings.Join(strings.Split(s.list.Info, "\n"), "\n\n"))
	return nil
}

func handleLists(ctx context.Context, s *Session, cmd Command) error {
	if len(cmd.Args) != 0 {
		return usage("Usage: lists")
	}
	lists, err := s.tx.AllLists(ctx)
	if err != nil {
		return err
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].Name < lists[j].Name })

	host := s.site.Hostname
	if host == "" {
		host = s.list.Host
	}
	s.response.Add(fmt.Sprintf("** Public mailing lists run by Mailman@%s:", host))
	for _, l := range lists {
		if !l.Advertised && l.Name != s.list.Name {
			continue
		}
		s.response.Add(fmt.Sprintf("%s (requests to %s):\n\t%s", l.DisplayName(), l.RequestAddress(), l.Description))
	}
	return nil
}

func handleHelp(ctx context.Context, s *Session, cmd Command) error {
	text, err := s.renderer.Render(templates.Help, map[string]any{
		"listname":     s.list.DisplayName(),
		"version":      s.site.Version,
		"listinfo_url": s.listinfoURL(),
		"requestaddr":  s.list.RequestAddress(),
		"adminaddr":    s.list.OwnerAddress(),
	})
	if err != nil {
		return err
	}
	s.response.Add(text)
	return nil
}
