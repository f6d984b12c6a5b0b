package dialog

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	askNamePrompt   = "你好呀~我好像还不认识你呢，你叫什么名字呀？"
	retryNamePrompt = "抱歉，我没听清楚你的名字，能再说一次吗？你也可以说'算了'跳过~"
	reAskNamePrompt = "对了，你还没告诉我你叫什么名字呢~"
	skipNameReply   = "好的，那我们先聊别的吧~"
)

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`我(?:是|叫|的名字是|名叫)\s*([^\s,，。！!？?我是叫]{2,4})`),
		regexp.MustCompile(`叫我\s*([^\s,，。！!？?]{2,4})`),
		regexp.MustCompile(`^([^\s,，。！!？?我是叫]{2,4})$`),
	}
	stutterRe    = regexp.MustCompile(`(我是|我叫){2,}`)
	namePrefixRe = regexp.MustCompile(`^(我是|我叫|叫我|我的名字是)+`)
	punctRe      = regexp.MustCompile(`[？?！!。，,、]`)

	// Utterances that decline the name question.
	skipUtterances = []string{"算了", "不说了", "不想说", "跳过"}

	// Filler and control words that look like 2-4 character names but
	// never are.
	nameStopWords = map[string]bool{
		"什么": true, "谁": true, "你好": true, "嗯": true, "啊": true,
		"哦": true, "呃": true, "那个": true, "这个": true, "干嘛": true,
		"怎么": true, "好的": true, "知道": true, "可以": true, "不是": true,
		"没有": true, "退出": true, "再见": true, "拜拜": true, "结束": true,
		"停止": true, "关闭": true,
	}
)

// extractName pulls a plausible given name out of a reply to the name
// question. Returns "" when nothing name-like is found.
func extractName(text string) string {
	text = strings.TrimSpace(text)
	text = stutterRe.ReplaceAllString(text, "$1")

	for _, pattern := range namePatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if name := cleanName(m[1]); name != "" {
			return name
		}
	}

	// Last resort: strip a leading self-introduction and try the rest.
	rest := strings.TrimSpace(namePrefixRe.ReplaceAllString(text, ""))
	return cleanName(rest)
}

func cleanName(candidate string) string {
	name := punctRe.ReplaceAllString(strings.TrimSpace(candidate), "")
	n := utf8.RuneCountInString(name)
	if n < 2 || n > 4 {
		return ""
	}
	if nameStopWords[name] || strings.HasSuffix(name, "吗") {
		return ""
	}
	return name
}

func (e *Engine) askForName(ctx context.Context) {
	e.mu.Lock()
	e.awaitingName = true
	e.mu.Unlock()
	if err := e.speak(ctx, askNamePrompt, false); err != nil {
		e.opts.Logger.Warn("name prompt playback failed", "error", err)
	}
	e.setState(StateAwaitingName)
}

// handleNameResponse resolves a reply to the name question: regex
// extraction first, then the AI classifier, then a retry prompt.
func (e *Engine) handleNameResponse(ctx context.Context, text string) error {
	for _, skip := range skipUtterances {
		if strings.Contains(text, skip) {
			e.finishAwaitingName()
			if e.speakers != nil {
				e.speakers.CancelPending()
			}
			return e.speak(ctx, skipNameReply, false)
		}
	}

	name := extractName(text)

	if name == "" && e.classifier != nil {
		intent, err := e.classifier.ClassifyName(ctx, text)
		if err != nil {
			e.opts.Logger.Warn("name classification failed", "error", err)
		} else {
			switch {
			case intent.IsName:
				name = intent.Name
			case intent.Skip:
				e.finishAwaitingName()
				if e.speakers != nil {
					e.speakers.CancelPending()
				}
				reply := intent.Reply
				if reply == "" {
					reply = skipNameReply
				}
				return e.speak(ctx, reply, false)
			case intent.OtherIntent:
				if intent.Reply != "" {
					if err := e.speak(ctx, intent.Reply, false); err != nil {
						return err
					}
				}
				return e.speak(ctx, reAskNamePrompt, false)
			}
		}
	}

	if name == "" {
		return e.speak(ctx, retryNamePrompt, false)
	}

	e.finishAwaitingName()
	if e.speakers == nil || !e.speakers.HasPending() {
		return nil
	}
	if _, err := e.speakers.CompleteRegistration(ctx, name); err != nil {
		return fmt.Errorf("complete registration: %w", err)
	}
	e.mu.Lock()
	e.currentSpeaker = name
	e.mu.Unlock()
	e.opts.Logger.Info("speaker registered", "name", name)

	welcome := fmt.Sprintf("原来是%s呀！很高兴认识你~我是%s，以后我就能认出你的声音啦！", name, e.opts.BotName)
	return e.speak(ctx, welcome, false)
}

func (e *Engine) finishAwaitingName() {
	e.mu.Lock()
	e.awaitingName = false
	e.mu.Unlock()
}
