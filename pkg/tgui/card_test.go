package tgui

import "testing"

func TestCardEscapesAndFormats(t *testing.T) {
	t.Parallel()
	got := NewCard().
		Title("📋", "Chat <A>").
		KV("Режим", "1 (daily)").
		KV("Вечер", "").
		KVH("iCal", Code("https://x/?a=1&b=2")).
		Section("Предупреждения").
		Bullets(2, "one", "", "<two>", "three").
		String()
	want := "📋 <b>Chat &lt;A&gt;</b>\n" +
		"Режим: 1 (daily)\n" +
		"Вечер: —\n" +
		"iCal: <code>https://x/?a=1&amp;b=2</code>\n" +
		"\n" +
		"<b>Предупреждения</b>\n" +
		"• one\n" +
		"• &lt;two&gt;\n" +
		"…"
	if got != want {
		t.Fatalf("card =\n%s\nwant\n%s", got, want)
	}
}

func TestJoinHSkipsBlank(t *testing.T) {
	t.Parallel()
	if got := JoinH(" ", B("a"), "", I("b")); got != "<b>a</b> <i>b</i>" {
		t.Fatalf("JoinH = %q", got)
	}
}
