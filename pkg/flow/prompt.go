package flow

import (
	"fmt"
	"strings"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/persona"
)

// promptNoteContext caps how many recent persona notes enter the prompt.
const promptNoteContext = 3

// systemPrompt frames the model as the host's assistant, carrying tone,
// taboo topics, and recent outcomes from the persona record.
func systemPrompt(rec *persona.Record) string {
	var sb strings.Builder
	sb.WriteString("你是直播间主播的运营助手,根据本窗口的主播发言和观众弹幕给出分析与建议。")
	if rec != nil {
		if rec.Tone != "" {
			fmt.Fprintf(&sb, "主播风格:%s。", rec.Tone)
		}
		if len(rec.TabooTopics) > 0 {
			fmt.Fprintf(&sb, "禁区话题,绝对不要提及:%s。", strings.Join(rec.TabooTopics, "、"))
		}
		if notes := lastNotes(rec.Highlights, promptNoteContext); len(notes) > 0 {
			fmt.Fprintf(&sb, "近期有效的做法:%s。", strings.Join(notes, ";"))
		}
		if notes := lastNotes(rec.Setbacks, promptNoteContext); len(notes) > 0 {
			fmt.Fprintf(&sb, "近期要避免的情况:%s。", strings.Join(notes, ";"))
		}
	}
	sb.WriteString("输出必须是符合给定JSON模式的对象,全部字段使用中文。")
	return sb.String()
}

// userPrompt assembles the window context and the route instruction.
func userPrompt(st *State) string {
	var sb strings.Builder
	w := st.Window

	fmt.Fprintf(&sb, "分析窗口:%s 起,时长%.0f秒。\n", w.Start.Time().Format("15:04:05"), w.Duration().Seconds())

	if len(w.Entries) > 0 {
		fmt.Fprintf(&sb, "主播发言(%d条):\n", len(w.Entries))
		for _, e := range w.Entries {
			fmt.Fprintf(&sb, "- %s\n", e.Text)
		}
	} else {
		sb.WriteString("主播本窗口没有发言。\n")
	}

	if len(st.TopSignals) > 0 {
		sb.WriteString("重点弹幕:\n")
		for _, s := range st.TopSignals {
			fmt.Fprintf(&sb, "- [%s] %s\n", s.Category, s.Text)
		}
	}

	fmt.Fprintf(&sb, "统计:讲话占比%.0f%%,待回应提问%d条,气氛%s(评分%.0f)。\n",
		w.Stats.SpeakingRatio*100,
		w.Stats.PendingQuestions,
		moodLabel(st.Mood.Level),
		st.Mood.Score,
	)
	top := st.topTopic()
	fmt.Fprintf(&sb, "当前话题:%s(置信度%.2f)。\n", top.Name, top.Confidence)

	sb.WriteString(routeInstruction(st.Decision.Route, top))
	return sb.String()
}

// routeInstruction maps the closed route set onto task instructions. The
// switch is exhaustive; Plan never emits RouteUnknown.
func routeInstruction(r Route, top Topic) string {
	switch r {
	case RouteDeepen:
		return fmt.Sprintf("策略:深挖话题。围绕“%s”给出能把讨论推向更深处的具体话术和动作。", top.Name)
	case RouteEnergize:
		return "策略:调动气氛。互动偏冷,给出能快速拉起弹幕参与度的话术、玩法或小活动。"
	case RouteCallToAction:
		return "策略:引导转化。气氛正热,给出自然不生硬的下单、关注或停留引导。"
	case RouteAnswer:
		return "策略:优先答疑。存在多条未回应的提问,归纳要回答的问题并给出答复顺序和话术。"
	default:
		return "策略:综合判断本窗口要点并给出建议。"
	}
}

func lastNotes(notes []persona.Note, n int) []string {
	if len(notes) > n {
		notes = notes[len(notes)-n:]
	}
	out := make([]string, len(notes))
	for i, note := range notes {
		out[i] = note.Text
	}
	return out
}
