package api

import "fmt"

// newsletterFormHTML renders the admin publish form with a fresh idempotency
// key baked into a hidden field. Resubmitting the same rendered form replays
// the first publish instead of sending the issue again.
func newsletterFormHTML(idempotencyKey string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <title>Publish Newsletter Issue</title>
</head>
<body>
    <form action="/admin/newsletter" method="post">
        <label>Title
            <input type="text" placeholder="Enter the issue title" name="title" />
        </label>
        <br/>
        <label>HTML content
            <textarea placeholder="Enter the issue HTML content" name="html_content"></textarea>
        </label>
        <br/>
        <label>Plain text content
            <textarea placeholder="Enter the issue plain text content" name="text_content"></textarea>
        </label>
        <br/>
        <input type="hidden" name="idempotency_key" value="%s" />
        <button type="submit">Publish</button>
    </form>
</body>
</html>`, idempotencyKey)
}
