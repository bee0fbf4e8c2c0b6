package admin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/i18n"
	"github.com/yagpt-tgbot-go/internal/models"
)

// CallbackPrefix marks callback data owned by the admin panel.
const CallbackPrefix = "admin"

// Callback actions
const (
	ActionMenu          = "menu"
	ActionList          = "list"
	ActionStats         = "stats"
	ActionAdd           = "add"
	ActionConfirmAdd    = "confirm_add"
	ActionRemove        = "remove"
	ActionSelectRemove  = "select_remove"
	ActionConfirmRemove = "confirm_remove"
	ActionToggle        = "toggle"
	ActionLanguage      = "lang"
	ActionSetLanguage   = "set_lang"
)

// Callback builds callback data for action with an optional argument.
func Callback(action string, arg ...string) string {
	parts := append([]string{CallbackPrefix, action}, arg...)
	return strings.Join(parts, ":")
}

// IsCallback reports whether data belongs to the admin panel.
func IsCallback(data string) bool {
	return strings.HasPrefix(data, CallbackPrefix+":")
}

// Button is one inline keyboard button.
type Button struct {
	Label string
	Data  string
}

// View is what the transport renders back to the admin.
type View struct {
	Text    string
	Buttons [][]Button
	Denied  bool
}

// Request identifies the caller and carries the input.
type Request struct {
	CallerID int64
	ChatID   int64
	Data     string
	Text     string
}

type Translator interface {
	Get(lang models.Language, messageID string, data map[string]interface{}) string
}

// Registry is the unlimited-access set the panel manages.
type Registry interface {
	Add(ctx context.Context, chatID int64) (bool, error)
	Remove(ctx context.Context, chatID int64) (bool, error)
	List(ctx context.Context) ([]int64, error)
	Toggle(ctx context.Context, chatID int64) (bool, error)
}

type StatsSource interface {
	Stats(ctx context.Context, day string) (*models.Stats, error)
}

type LanguageSetting interface {
	Language() models.Language
	SetLanguage(ctx context.Context, lang models.Language) error
}

// Panel is the admin interaction state machine:
// main menu, then list, toggle, add/remove with confirmation, stats or language.
type Panel struct {
	admins   map[int64]struct{}
	registry Registry
	stats    StatsSource
	settings LanguageSetting
	sessions SessionStore
	tr       Translator
	today    func() string
	logger   *logrus.Logger
}

func NewPanel(adminIDs []int64, registry Registry, stats StatsSource, settings LanguageSetting,
	sessions SessionStore, tr Translator, today func() string, logger *logrus.Logger) *Panel {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Panel{
		admins:   admins,
		registry: registry,
		stats:    stats,
		settings: settings,
		sessions: sessions,
		tr:       tr,
		today:    today,
		logger:   logger,
	}
}

func (p *Panel) IsAdmin(userID int64) bool {
	_, ok := p.admins[userID]
	return ok
}

func (p *Panel) text(id string, data map[string]interface{}) string {
	return p.tr.Get(p.settings.Language(), id, data)
}

func (p *Panel) deny(req Request) View {
	p.logger.WithFields(logrus.Fields{
		"chat_id": req.ChatID,
		"user_id": req.CallerID,
	}).Info("Unauthorized admin panel access")
	return View{Text: p.text(i18n.MsgAccessDenied, nil), Denied: true}
}

func (p *Panel) backRow() []Button {
	return []Button{{Label: p.text(i18n.MsgBtnBack, nil), Data: Callback(ActionMenu)}}
}

func (p *Panel) errorView(err error, req Request) (View, error) {
	p.logger.WithError(err).WithField("chat_id", req.ChatID).Error("Admin action failed")
	return View{Text: p.text(i18n.MsgGeneralError, nil), Buttons: [][]Button{p.backRow()}}, err
}

// Open shows the main menu and drops any pending input step.
func (p *Panel) Open(ctx context.Context, req Request) (View, error) {
	if !p.IsAdmin(req.CallerID) {
		return p.deny(req), nil
	}
	if err := p.sessions.Delete(ctx, req.ChatID); err != nil {
		return p.errorView(err, req)
	}
	return p.mainMenu(), nil
}

func (p *Panel) mainMenu() View {
	return View{
		Text: p.text(i18n.MsgAdminPanelTitle, nil) + "\n\n" + p.text(i18n.MsgAdminPanelWelcome, nil),
		Buttons: [][]Button{
			{
				{Label: p.text(i18n.MsgBtnUnlimitedUsers, nil), Data: Callback(ActionList)},
				{Label: p.text(i18n.MsgBtnStatistics, nil), Data: Callback(ActionStats)},
			},
			{
				{Label: p.text(i18n.MsgBtnAddUser, nil), Data: Callback(ActionAdd)},
				{Label: p.text(i18n.MsgBtnRemoveUser, nil), Data: Callback(ActionRemove)},
			},
			{
				{Label: p.text(i18n.MsgBtnLanguage, nil), Data: Callback(ActionLanguage)},
			},
		},
	}
}

// HandleCallback dispatches a button press.
func (p *Panel) HandleCallback(ctx context.Context, req Request) (View, error) {
	if !p.IsAdmin(req.CallerID) {
		return p.deny(req), nil
	}

	parts := strings.SplitN(req.Data, ":", 3)
	if len(parts) < 2 || parts[0] != CallbackPrefix {
		return p.Open(ctx, req)
	}
	action, arg := parts[1], ""
	if len(parts) == 3 {
		arg = parts[2]
	}

	switch action {
	case ActionList:
		return p.list(ctx, req)
	case ActionStats:
		return p.viewStats(ctx, req)
	case ActionAdd:
		return p.startAdd(ctx, req)
	case ActionRemove:
		return p.startRemove(ctx, req)
	case ActionLanguage:
		return p.languageMenu(), nil
	case ActionConfirmAdd, ActionSelectRemove, ActionConfirmRemove, ActionToggle:
		chatID, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return View{Text: p.text(i18n.MsgInvalidID, nil), Buttons: [][]Button{p.backRow()}}, nil
		}
		switch action {
		case ActionConfirmAdd:
			return p.confirmAdd(ctx, req, chatID)
		case ActionSelectRemove:
			return p.askRemove(chatID), nil
		case ActionConfirmRemove:
			return p.confirmRemove(ctx, req, chatID)
		default:
			return p.Toggle(ctx, req, chatID)
		}
	case ActionSetLanguage:
		return p.changeLanguage(ctx, req, models.Language(arg))
	default:
		return p.Open(ctx, req)
	}
}

// HandleText consumes free text while a session waits for input. handled is
// false when the text is not meant for the panel.
func (p *Panel) HandleText(ctx context.Context, req Request) (View, bool, error) {
	if !p.IsAdmin(req.CallerID) {
		return View{}, false, nil
	}
	session, err := p.sessions.Get(ctx, req.ChatID)
	if err != nil {
		view, err := p.errorView(err, req)
		return view, true, err
	}

	input := strings.TrimSpace(req.Text)
	switch session.Step {
	case StepAwaitAddID:
		chatID, err := strconv.ParseInt(input, 10, 64)
		if err != nil {
			return View{Text: p.text(i18n.MsgInvalidID, nil), Buttons: [][]Button{p.backRow()}}, true, nil
		}
		if err := p.sessions.Delete(ctx, req.ChatID); err != nil {
			view, err := p.errorView(err, req)
			return view, true, err
		}
		return p.askAdd(chatID), true, nil

	case StepAwaitRemoveNo:
		index, err := strconv.Atoi(input)
		if err != nil || index < 1 || index > len(session.Candidates) {
			return View{Text: p.text(i18n.MsgInvalidSelection, nil), Buttons: [][]Button{p.backRow()}}, true, nil
		}
		if err := p.sessions.Delete(ctx, req.ChatID); err != nil {
			view, err := p.errorView(err, req)
			return view, true, err
		}
		return p.askRemove(session.Candidates[index-1]), true, nil
	}
	return View{}, false, nil
}

func (p *Panel) list(ctx context.Context, req Request) (View, error) {
	ids, err := p.registry.List(ctx)
	if err != nil {
		return p.errorView(err, req)
	}

	var b strings.Builder
	b.WriteString(p.text(i18n.MsgUnlimitedUsersTitle, nil))
	b.WriteString("\n\n")
	if len(ids) == 0 {
		b.WriteString(p.text(i18n.MsgUnlimitedUsersEmpty, nil))
	}
	writeNumbered(&b, ids)
	return View{Text: strings.TrimRight(b.String(), "\n"), Buttons: [][]Button{p.backRow()}}, nil
}

func writeNumbered(b *strings.Builder, ids []int64) {
	for i, id := range ids {
		fmt.Fprintf(b, "%d. %d\n", i+1, id)
	}
}

// viewStats is read-only over the repository.
func (p *Panel) viewStats(ctx context.Context, req Request) (View, error) {
	stats, err := p.stats.Stats(ctx, p.today())
	if err != nil {
		return p.errorView(err, req)
	}

	lines := []string{
		p.text(i18n.MsgStatsTitle, map[string]interface{}{"Day": stats.Day}),
		"",
		p.text(i18n.MsgStatsTotalChats, map[string]interface{}{"Count": stats.TotalChats}),
		p.text(i18n.MsgStatsUnlimitedChats, map[string]interface{}{"Count": stats.UnlimitedChats}),
		p.text(i18n.MsgStatsTotalMessages, map[string]interface{}{"Count": stats.TotalTurns}),
		p.text(i18n.MsgStatsTodayRequests, map[string]interface{}{"Count": stats.TodayText}),
		p.text(i18n.MsgStatsTodayImages, map[string]interface{}{"Count": stats.TodayImages}),
	}
	return View{Text: strings.Join(lines, "\n"), Buttons: [][]Button{p.backRow()}}, nil
}

func (p *Panel) startAdd(ctx context.Context, req Request) (View, error) {
	if err := p.sessions.Set(ctx, req.ChatID, Session{Step: StepAwaitAddID}); err != nil {
		return p.errorView(err, req)
	}
	return View{
		Text:    p.text(i18n.MsgAddUserTitle, nil) + "\n\n" + p.text(i18n.MsgAddUserDescription, nil),
		Buttons: [][]Button{p.backRow()},
	}, nil
}

func (p *Panel) askAdd(chatID int64) View {
	id := strconv.FormatInt(chatID, 10)
	return View{
		Text: p.text(i18n.MsgConfirmAddUser, map[string]interface{}{"ChatID": chatID}),
		Buttons: [][]Button{{
			{Label: p.text(i18n.MsgBtnYes, nil), Data: Callback(ActionConfirmAdd, id)},
			{Label: p.text(i18n.MsgBtnNo, nil), Data: Callback(ActionMenu)},
		}},
	}
}

func (p *Panel) confirmAdd(ctx context.Context, req Request, chatID int64) (View, error) {
	added, err := p.registry.Add(ctx, chatID)
	if err != nil {
		return p.errorView(err, req)
	}
	msg := i18n.MsgUserAdded
	if !added {
		msg = i18n.MsgUserAlreadyUnlimited
	}
	return View{Text: p.text(msg, map[string]interface{}{"ChatID": chatID}), Buttons: [][]Button{p.backRow()}}, nil
}

func (p *Panel) startRemove(ctx context.Context, req Request) (View, error) {
	ids, err := p.registry.List(ctx)
	if err != nil {
		return p.errorView(err, req)
	}
	if len(ids) == 0 {
		return View{Text: p.text(i18n.MsgUnlimitedUsersEmpty, nil), Buttons: [][]Button{p.backRow()}}, nil
	}
	if err := p.sessions.Set(ctx, req.ChatID, Session{Step: StepAwaitRemoveNo, Candidates: ids}); err != nil {
		return p.errorView(err, req)
	}

	var b strings.Builder
	b.WriteString(p.text(i18n.MsgRemoveUserTitle, nil))
	b.WriteString("\n\n")
	b.WriteString(p.text(i18n.MsgRemoveUserSelect, nil))
	b.WriteString("\n\n")
	writeNumbered(&b, ids)

	buttons := make([][]Button, 0, len(ids)+1)
	for i, id := range ids {
		buttons = append(buttons, []Button{{
			Label: fmt.Sprintf("%d. %d", i+1, id),
			Data:  Callback(ActionSelectRemove, strconv.FormatInt(id, 10)),
		}})
	}
	buttons = append(buttons, p.backRow())
	return View{Text: strings.TrimRight(b.String(), "\n"), Buttons: buttons}, nil
}

func (p *Panel) askRemove(chatID int64) View {
	id := strconv.FormatInt(chatID, 10)
	return View{
		Text: p.text(i18n.MsgConfirmRemoveUser, map[string]interface{}{"ChatID": chatID}),
		Buttons: [][]Button{{
			{Label: p.text(i18n.MsgBtnYes, nil), Data: Callback(ActionConfirmRemove, id)},
			{Label: p.text(i18n.MsgBtnNo, nil), Data: Callback(ActionMenu)},
		}},
	}
}

func (p *Panel) confirmRemove(ctx context.Context, req Request, chatID int64) (View, error) {
	removed, err := p.registry.Remove(ctx, chatID)
	if err != nil {
		return p.errorView(err, req)
	}
	msg := i18n.MsgUserRemoved
	if !removed {
		msg = i18n.MsgUserNotUnlimited
	}
	return View{Text: p.text(msg, map[string]interface{}{"ChatID": chatID}), Buttons: [][]Button{p.backRow()}}, nil
}

// Toggle adds chatID to the unlimited set if absent, removes it otherwise,
// and echoes the new status.
func (p *Panel) Toggle(ctx context.Context, req Request, chatID int64) (View, error) {
	if !p.IsAdmin(req.CallerID) {
		return p.deny(req), nil
	}
	on, err := p.registry.Toggle(ctx, chatID)
	if err != nil {
		return p.errorView(err, req)
	}
	msg := i18n.MsgToggleOff
	if on {
		msg = i18n.MsgToggleOn
	}
	return View{Text: p.text(msg, map[string]interface{}{"ChatID": chatID}), Buttons: [][]Button{p.backRow()}}, nil
}

func (p *Panel) languageMenu() View {
	return View{
		Text: p.text(i18n.MsgLanguageTitle, nil) + "\n\n" + p.text(i18n.MsgLanguageDescription, nil),
		Buttons: [][]Button{
			{
				{Label: p.text(i18n.MsgBtnEnglish, nil), Data: Callback(ActionSetLanguage, string(models.English))},
				{Label: p.text(i18n.MsgBtnRussian, nil), Data: Callback(ActionSetLanguage, string(models.Russian))},
			},
			p.backRow(),
		},
	}
}

func (p *Panel) changeLanguage(ctx context.Context, req Request, lang models.Language) (View, error) {
	if !lang.Valid() {
		return p.languageMenu(), nil
	}
	if err := p.settings.SetLanguage(ctx, lang); err != nil {
		return p.errorView(err, req)
	}
	return View{Text: p.text(i18n.MsgLanguageChanged, nil), Buttons: [][]Button{p.backRow()}}, nil
}
