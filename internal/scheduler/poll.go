package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"

	"feedmail/internal/config"
	"feedmail/internal/feed"
	"feedmail/internal/filter"
	"feedmail/internal/mail"
	"feedmail/internal/render"
)

func (s *Scheduler) pollGroup(ctx context.Context, group *config.Group) {
	err := s.pollOnce(ctx, group, time.Now().UTC())
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.log.Error("feed group poll failed", "group", group.Key, "urls", group.URLs, "error", err)
	if rerr := s.store.RecordFailure(ctx, group.URLsHash, err.Error(), time.Now().UTC()); rerr != nil {
		s.log.Error("failed to record poll failure", "group", group.Key, "error", rerr)
	}
}

// pollOnce runs a single poll cycle for one group: fetch all URLs,
// deduplicate entries against persisted fingerprints, apply the
// group's filter, send notifications for what survives and commit the
// new state. Notifications go out before the commit, so a crash in
// between can resend but never lose an item.
func (s *Scheduler) pollOnce(ctx context.Context, group *config.Group, now time.Time) error {
	fetchCtx, cancel := context.WithTimeout(ctx, group.Settings.Timeout)
	feeds, err := s.fetcher.Fetch(fetchCtx, group.URLs, feed.Options{
		Sanitize: group.Settings.Sanitize,
		Headers:  group.Settings.HTTPHeaders,
	})
	cancel()
	if err != nil {
		return err
	}

	eval := render.NewEvaluator()
	defer eval.Close()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	created, err := tx.CheckGroup(ctx, group.URLsHash, now)
	if err != nil {
		return err
	}

	var newItems []render.ItemData
	polled := make(map[string]struct{})

	for _, fd := range feeds {
		for _, item := range fd.Items {
			if err := eval.SetContext(fd, item); err != nil {
				return err
			}

			fingerprint, err := eval.Fingerprint(group.Renderer.UpdateKeys())
			if err != nil {
				var evalErr *render.EvalError
				if errors.As(err, &evalErr) {
					s.log.Warn("update key evaluation failed, skipping entry",
						"group", group.Key, "link", item.Link, "error", err)
					continue
				}
				return err
			}

			// dedup within the poll: the same entry served by several
			// URLs of the group is processed once, first URL wins
			if _, dup := polled[string(fingerprint)]; dup {
				continue
			}
			polled[string(fingerprint)] = struct{}{}

			known, err := tx.HasItem(ctx, group.URLsHash, fingerprint)
			if err != nil {
				return err
			}

			// only new candidates reach the filter; known entries just
			// refresh last_seen below
			passed := true
			if !known && group.Filter != nil {
				passed, err = group.Filter.Eval(&filter.Item{
					Title: feed.PlainText(item.Title),
					Body:  feed.ItemBody(item),
					Eval:  eval,
				})
				if err != nil {
					if errors.Is(err, render.ErrNonBoolean) {
						return err
					}
					var evalErr *render.EvalError
					if errors.As(err, &evalErr) {
						// skipped without being marked seen, the next
						// poll gets another try
						s.log.Warn("filter evaluation failed, skipping entry",
							"group", group.Key, "link", item.Link, "error", err)
						continue
					}
					return err
				}
			}

			// filtered-out entries are still recorded as seen so a
			// later filter change does not resurface old items
			if _, err := tx.UpsertItem(ctx, group.URLsHash, fingerprint, now); err != nil {
				return err
			}
			if !known && passed {
				newItems = append(newItems, render.ItemData{
					Feed: fd,
					Item: item,
					Args: group.Renderer.Args(),
				})
			}
		}
	}

	if group.Settings.SortByLastModified {
		sortByLastModified(newItems)
	}

	if len(newItems) > 0 {
		mails, err := s.buildMails(group, feeds, newItems, created)
		if err != nil {
			return err
		}

		if len(group.Settings.To) == 0 && len(group.Settings.CC) == 0 && len(group.Settings.BCC) == 0 {
			s.log.Warn("no recipients configured, dropping notifications",
				"group", group.Key, "items", len(newItems))
		} else {
			if err := s.sender.Send(ctx, group.Settings.To, group.Settings.CC, group.Settings.BCC, mails); err != nil {
				return err
			}
			s.log.Info("sent notifications",
				"group", group.Key, "mails", len(mails), "items", len(newItems))
			if err := tx.MarkUpdated(ctx, group.URLsHash, now); err != nil {
				return err
			}
		}
	}

	if err := tx.ClearFailure(ctx, group.URLsHash); err != nil {
		return err
	}
	if _, err := tx.PruneItems(ctx, group.URLsHash, now.Add(-group.Settings.KeepOld)); err != nil {
		return err
	}

	return tx.Commit()
}

// buildMails decides between per-item mails and a single digest. A
// digest is forced for a first poll of a group (avoids a mail flood on
// a new subscription) and when the batch exceeds the per-check cap.
func (s *Scheduler) buildMails(group *config.Group, feeds []*gofeed.Feed, items []render.ItemData, created bool) ([]mail.Mail, error) {
	digest := created || group.Settings.Digest || len(items) > group.Settings.MaxMailsPerCheck
	if !digest {
		mails := make([]mail.Mail, 0, len(items))
		for _, item := range items {
			subject, err := group.Renderer.Render(render.ItemSubject, item)
			if err != nil {
				return nil, err
			}
			body, err := group.Renderer.Render(render.ItemBody, item)
			if err != nil {
				return nil, err
			}
			mails = append(mails, mail.Mail{Subject: subject, Body: body})
		}
		return mails, nil
	}

	data := render.DigestData{Feeds: feeds, Items: items, Args: group.Renderer.Args()}
	subject, err := group.Renderer.Render(render.DigestSubject, data)
	if err != nil {
		return nil, err
	}
	body, err := group.Renderer.Render(render.DigestBody, data)
	if err != nil {
		return nil, err
	}
	if created {
		subject = "[New Feed] " + subject
	}
	return []mail.Mail{{Subject: subject, Body: body}}, nil
}

func sortByLastModified(items []render.ItemData) {
	sort.SliceStable(items, func(i, j int) bool {
		return lastModified(items[i].Item).After(lastModified(items[j].Item))
	})
}

func lastModified(item *gofeed.Item) time.Time {
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	return time.Time{}
}
