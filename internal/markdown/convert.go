package markdown

import (
	"fmt"
	"regexp"
	"strings"
)

// 转换规则按声明顺序执行，后面的规则假定前面的已经移除了冲突标记。
// 例如必须先提取链接再做整体去标签，否则 href 会丢失。
var (
	reScript = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	reStyle  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)

	reHeadings = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`),
		regexp.MustCompile(`(?is)<h2[^>]*>(.*?)</h2>`),
		regexp.MustCompile(`(?is)<h3[^>]*>(.*?)</h3>`),
		regexp.MustCompile(`(?is)<h4[^>]*>(.*?)</h4>`),
	}

	reParagraph = regexp.MustCompile(`(?is)<p\b[^>]*>(.*?)</p>`)

	reAnchor = regexp.MustCompile(`(?is)<a\b[^>]*?href=["']?([^"'\s>]+)["']?[^>]*>(.*?)</a>`)

	reBold   = regexp.MustCompile(`(?is)<(?:b|strong)\b[^>]*>(.*?)</(?:b|strong)>`)
	reItalic = regexp.MustCompile(`(?is)<(?:i|em)\b[^>]*>(.*?)</(?:i|em)>`)

	reCodeBlock  = regexp.MustCompile("(?is)<pre\\b[^>]*>\\s*<code\\b[^>]*>(.*?)</code>\\s*</pre>")
	reInlineCode = regexp.MustCompile(`(?is)<code\b[^>]*>(.*?)</code>`)

	reListItem      = regexp.MustCompile(`(?is)<li\b[^>]*>(.*?)</li>`)
	reListContainer = regexp.MustCompile(`(?is)</?(?:ul|ol)\b[^>]*>`)

	reAnyTag = regexp.MustCompile(`(?s)<[^>]+>`)

	reExtraNewlines = regexp.MustCompile(`\n{3,}`)
)

// entityReplacer 仅解码固定的一组实体
var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// Convert 将 HTML 文本转换为 Markdown 文本。
// 尽力而为的文本转换：永不失败，畸形输入退化为去标签后的纯文本。
func Convert(html string) string {
	out := html

	// 1. 整块移除 script / style
	out = reScript.ReplaceAllString(out, "")
	out = reStyle.ReplaceAllString(out, "")

	// 2. 标题 h1-h4
	for i, re := range reHeadings {
		prefix := strings.Repeat("#", i+1)
		out = re.ReplaceAllString(out, fmt.Sprintf("%s $1\n\n", prefix))
	}

	// 3. 段落
	out = reParagraph.ReplaceAllString(out, "$1\n\n")

	// 4. 带 href 的链接；没有 href 的 a 标签留给整体去标签
	out = reAnchor.ReplaceAllString(out, "[$2]($1)")

	// 5. 粗体 / 斜体
	out = reBold.ReplaceAllString(out, "**$1**")
	out = reItalic.ReplaceAllString(out, "*$1*")

	// 6. 代码块必须先于行内代码处理
	out = reCodeBlock.ReplaceAllString(out, "```\n$1\n```\n\n")
	out = reInlineCode.ReplaceAllString(out, "`$1`")

	// 7. 列表
	out = reListItem.ReplaceAllString(out, "- $1\n")
	out = reListContainer.ReplaceAllString(out, "\n")

	// 8. 去掉剩余所有标签
	out = reAnyTag.ReplaceAllString(out, "")

	// 9. 实体解码
	out = entityReplacer.Replace(out)

	// 10. 压缩空行并裁剪首尾空白
	out = reExtraNewlines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
